package dnsproxy

import (
	"strings"

	"github.com/miekg/dns"

	"dnsgate/internal/core"
)

// QueryData is the parsed form of a DNS query payload.
type QueryData struct {
	// RawData is the original wire-format message.
	RawData []byte
	// Msg is the parsed message.
	Msg *dns.Msg
	// Name is the question name in canonical form: fully qualified with a
	// trailing dot and lowercased, so policy lookups are case-safe.
	Name string
}

// TryParse parses a UDP payload as a DNS message and extracts the question
// name. Returns nil when the bytes are not a valid message or the message
// carries no question section. Both are routine for arbitrary UDP payloads,
// so neither is reported as an error.
func TryParse(data []byte) *QueryData {
	msg := new(dns.Msg)
	if err := msg.Unpack(data); err != nil {
		core.Log.Debugf("DNS", "Discarding unparseable payload (%d bytes): %v", len(data), err)
		return nil
	}
	if len(msg.Question) == 0 {
		core.Log.Debugf("DNS", "Discarding message without question (id=%d)", msg.Id)
		return nil
	}
	return &QueryData{
		RawData: data,
		Msg:     msg,
		Name:    strings.ToLower(msg.Question[0].Name),
	}
}
