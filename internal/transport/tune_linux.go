//go:build linux

package transport

import (
	"golang.org/x/sys/unix"
)

// TuneReceiveBuffer готовит приемную очередь tty: сбрасывает накопленные
// драйвером устаревшие байты (TCFLSH/TCIFLUSH). Размер буфера не меняется:
// в Linux нет ioctl для размера приемного буфера отдельного tty, он задан
// драйвером. Вызывается по принципу best-effort.
func TuneReceiveBuffer(path string) error {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIFLUSH)
}
