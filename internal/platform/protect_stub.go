//go:build !linux

package platform

// setFwmark is a no-op where SO_MARK does not exist. Socket protection on
// those systems has to come from the host integration instead.
func setFwmark(fd int, mark uint32) error {
	return nil
}
