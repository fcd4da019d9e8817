//go:build unix

package sys

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func MMap(file *os.File, length uint64) (dat []byte, err error) {
	dat, err = unix.Mmap(int(file.Fd()), 0, int(length), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	return
}

func MUnmap(file *os.File, dat []byte) (err error) {
	return unix.Munmap(dat)
}

func Remap(file *os.File, newLength uint64, olddat []byte) (dat []byte, err error) {
	err = MUnmap(file, olddat)
	if err != nil {
		return
	}
	return MMap(file, newLength)
}

// MSync 把映射区的改动推给内核落盘
func MSync(dat []byte) error {
	return unix.Msync(dat, unix.MS_SYNC)
}
