package linuxwasm

import (
	"github.com/pkg/errors"

	"github.com/kyroskoh/linux-wasm/memory"
)

// kernelGlobals is the narrow view of a kernel instance the boot path
// needs: its exported boot globals.
type kernelGlobals interface {
	global(name string) (uint32, error)
	setGlobal(name string, v uint32) error
}

// writeBootParams copies the boot command line into the kernel's
// reserved buffer and the initrd image into freshly grown memory,
// publishing the initrd bounds through the kernel's exported globals.
// The initrd copy grows the region, so every view derived before this
// call is stale afterward.
func writeBootParams(mem memory.Region, kern kernelGlobals, cmdline string, initrd []byte) error {
	bufPtr, err := kern.global("boot_args")
	if err != nil {
		return err
	}

	bufSize, err := kern.global("boot_args_size")
	if err != nil {
		return err
	}

	if uint32(len(cmdline)+1) > bufSize {
		return errors.Errorf("command line %d bytes exceeds kernel buffer %d", len(cmdline), bufSize)
	}

	args := make([]byte, len(cmdline)+1)
	copy(args, cmdline)

	if err := memory.Write(mem, bufPtr, args); err != nil {
		return errors.Wrap(err, "writing boot command line")
	}

	if len(initrd) == 0 {
		return nil
	}

	start, end, err := memory.Push(mem, initrd)
	if err != nil {
		return errors.Wrap(err, "copying initrd")
	}

	if err := kern.setGlobal("initrd_start", start); err != nil {
		return err
	}

	if err := kern.setGlobal("initrd_end", end); err != nil {
		return err
	}

	return nil
}
