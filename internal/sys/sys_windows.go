//go:build windows

package sys

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

const fileMapAllAccess = 0x000F001F

func MMap(file *os.File, length uint64) (dat []byte, err error) {
	hFile := windows.Handle(file.Fd())
	hMap, err := windows.CreateFileMapping(
		hFile,
		nil,
		windows.PAGE_READWRITE,
		uint32(length>>32),
		uint32(length),
		nil,
	)
	if err != nil {
		return nil, err
	}
	addr, err := windows.MapViewOfFile(
		hMap,
		fileMapAllAccess,
		0,
		0,
		uintptr(length),
	)
	if err != nil {
		windows.CloseHandle(hMap)
		return nil, err
	}
	dat = unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
	// Windows在所有view解除之前都会保持映射存活, 句柄可以先关
	windows.CloseHandle(hMap)
	return dat, nil
}

func MUnmap(file *os.File, dat []byte) (err error) {
	if len(dat) == 0 {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&dat[0]))
	return windows.UnmapViewOfFile(addr)
}

func Remap(file *os.File, newLength uint64, olddat []byte) (dat []byte, err error) {
	err = MUnmap(file, olddat)
	if err != nil {
		return nil, err
	}
	return MMap(file, newLength)
}

// MSync 把映射区的改动推给内核落盘
func MSync(dat []byte) error {
	if len(dat) == 0 {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&dat[0]))
	return windows.FlushViewOfFile(addr, uintptr(len(dat)))
}
