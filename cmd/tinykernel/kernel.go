package main

import (
	"github.com/justanotherdot/tinykernel/internal/kernel"
	"github.com/justanotherdot/tinykernel/internal/kernelapi"
)

// newKernel boots a kernel sized by cfgFlags (defaulting to
// kernel.DefaultConfig's constants unless overridden by the --max-proc,
// --max-fileid, --max-port, --buf-size or --procinfo-max-args flags). pid 0
// (the idle process) is allocated and left ALIVE forever, so every demo uses
// it as curproc rather than spawning a throwaway process just to hang
// descriptors off: idle never runs a main task and is never reaped.
func newKernel() (*kernelapi.Kernel, error) {
	cfg := kernel.DefaultConfig()
	cfg.MaxProc = cfgFlags.maxProc
	cfg.MaxFileID = cfgFlags.maxFileID
	cfg.MaxPort = cfgFlags.maxPort
	cfg.BufSize = cfgFlags.bufSize
	cfg.ProcinfoMaxArgsSize = cfgFlags.procinfoMaxArgs
	return kernelapi.New(cfg)
}

// blockForeverTask parks its goroutine on a condition variable that is
// never broadcast, releasing the kernel lock for the duration (kernel.Wait
// always does). Demos use this for any PCB that needs to stay ALIVE as a
// parent or listener owner for the life of the process, without the
// goroutine actually doing anything once started.
func blockForeverTask() kernel.Task {
	cond := kernel.NewCond()
	return func(argl int, args []byte) int {
		kernel.Wait(cond)
		return 0
	}
}

// exitTask returns a task that exits immediately with val, for demo
// children that exist only to be waited on.
func exitTask(val int) kernel.Task {
	return func(argl int, args []byte) int {
		return val
	}
}
