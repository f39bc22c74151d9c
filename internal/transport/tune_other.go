//go:build !linux

package transport

// TuneReceiveBuffer на других платформах ничего не делает.
func TuneReceiveBuffer(string) error { return nil }
