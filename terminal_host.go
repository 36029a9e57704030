// terminal_host.go - Interactive and batch front ends for the Machine Monitor
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

const monitorPrompt = "ie386> "

// RunMonitorTerminal drives the monitor from stdin. A real terminal is
// put in raw mode and gets line editing and history from x/term; any
// other stdin is read as a command script.
func RunMonitorTerminal(mon *MachineMonitor, log *logrus.Entry) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return RunMonitorLines(mon, os.Stdin, os.Stdout)
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("terminal_host: failed to set raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	screen := struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}
	t := term.NewTerminal(screen, monitorPrompt)
	if w, h, err := term.GetSize(fd); err != nil {
		log.WithError(err).Debug("terminal size unavailable")
	} else {
		sizeMonitorTerminal(t, w, h, log)
	}

	mon.ExecuteCommand("r")
	writeMonitorOutput(t, mon.TakeOutput(), t.Escape)
	for {
		line, err := t.ReadLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		exit := mon.ExecuteCommand(line)
		writeMonitorOutput(t, mon.TakeOutput(), t.Escape)
		if exit {
			return nil
		}
	}
}

// terminalSizer is the part of term.Terminal that tracks the window size.
type terminalSizer interface {
	SetSize(width, height int) error
}

func sizeMonitorTerminal(t terminalSizer, w, h int, log *logrus.Entry) {
	if err := t.SetSize(w, h); err != nil {
		log.WithError(err).Warnf("resizing monitor terminal to %dx%d", w, h)
	}
}

// RunMonitorLines executes one command per input line and writes the
// scrollback to w without colour.
func RunMonitorLines(mon *MachineMonitor, r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		exit := mon.ExecuteCommand(sc.Text())
		writeMonitorOutput(w, mon.TakeOutput(), nil)
		if exit {
			return nil
		}
	}
	return sc.Err()
}

func writeMonitorOutput(w io.Writer, lines []OutputLine, esc *term.EscapeCodes) {
	for _, l := range lines {
		if esc == nil {
			fmt.Fprintf(w, "%s\n", l.Text)
			continue
		}
		fmt.Fprintf(w, "%s%s%s\n", monitorColor(esc, l.Color), l.Text, esc.Reset)
	}
}

func monitorColor(esc *term.EscapeCodes, c uint32) []byte {
	switch c {
	case colorRed:
		return esc.Red
	case colorGreen:
		return esc.Green
	case colorYellow:
		return esc.Yellow
	case colorCyan:
		return esc.Cyan
	case colorDim:
		return esc.Blue
	}
	return esc.White
}
