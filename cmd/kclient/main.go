// Command kclient is a small demonstration driver for the kernel-client
// core: it starts a kernel, executes one piece of code, prints the outputs
// it collects, and shuts the kernel down.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"

	"k8s.io/klog/v2"

	"github.com/kernelcore/kclient/session"
)

var (
	flagKernelBin = flag.String("kernel_bin", "python3",
		"Path to the kernel binary to launch.")
	flagLauncher = flag.String("launcher", "ipykernel_launcher",
		"Launcher module passed to the kernel binary via -m.")
	flagCode = flag.String("code", "",
		"Code to execute. If empty, code is read from stdin.")
)

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()
	flag.Parse()

	code := *flagCode
	if code == "" {
		data, err := io.ReadAll(bufio.NewReader(os.Stdin))
		if err != nil {
			klog.Fatalf("Failed to read code from stdin: %v", err)
		}
		code = string(data)
	}

	s := session.New(*flagKernelBin, *flagLauncher)
	go logEvents(s)

	klog.V(1).Info("Starting kernel")
	if err := s.Start(); err != nil {
		klog.Fatalf("Failed to start kernel: %+v", err)
	}
	defer s.Shutdown()

	_, outputs, err := s.Execute(code)
	if err != nil {
		klog.Fatalf("Execute failed: %+v", err)
	}
	for _, out := range outputs {
		printOutput(out)
	}
}

func printOutput(out session.Output) {
	switch out.Kind {
	case session.OutputStdout:
		fmt.Print(out.Text)
	case session.OutputStderr:
		fmt.Fprint(os.Stderr, out.Text)
	case session.OutputResult:
		fmt.Printf("Out: %s\n", out.Text)
	case session.OutputDisplay:
		fmt.Printf("[%s display data, %d bytes]\n", out.MIMEType, len(out.Text))
	case session.OutputError:
		fmt.Fprintf(os.Stderr, "%s: %s\n", out.EName, out.EValue)
		for _, line := range out.Traceback {
			fmt.Fprintln(os.Stderr, line)
		}
	}
}

func logEvents(s *session.Session) {
	for ev := range s.Events() {
		switch ev.Kind {
		case session.EventStateChange:
			klog.V(1).Infof("state -> %s", ev.State)
		case session.EventError:
			klog.Warningf("error event: %v", ev.Err)
		case session.EventKernelInfo:
			klog.V(2).Infof("kernel info: %+v", ev.KernelInfo)
		}
	}
}
