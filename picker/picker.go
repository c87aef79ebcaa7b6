// Package picker drives the interactive keyboard pairing flow: power the
// adapters, scan, list unpaired keyboards by signal strength and pair with
// the one the user picks.
package picker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/usenocturne/kbpair/bluetooth"
)

const (
	ExitOK          = 0
	ExitPairFailure = 1

	prompt = "Which one would you like to connect to? (0 to exit) "
)

// Device is a discovered keyboard as seen by the picker.
type Device interface {
	String() string
	RSSI() (int16, bool)
	Pair(ctx context.Context) error
}

// Bluetooth is the part of the Bluetooth stack the picker drives.
type Bluetooth interface {
	PowerOnAll(ctx context.Context) error
	Scan(ctx context.Context) error
	UnpairedKeyboards(ctx context.Context) ([]Device, error)
}

type Picker struct {
	bt  Bluetooth
	in  *bufio.Reader
	out io.Writer
}

func New(bt Bluetooth, in io.Reader, out io.Writer) *Picker {
	return &Picker{
		bt:  bt,
		in:  bufio.NewReader(in),
		out: out,
	}
}

// Run executes the whole flow once and returns the process exit code. A
// pairing failure reported by the stack is printed and yields
// ExitPairFailure; any other failure is returned as an error.
func (p *Picker) Run(ctx context.Context) (int, error) {
	if err := p.bt.PowerOnAll(ctx); err != nil {
		return 0, err
	}

	fmt.Fprintln(p.out, "Scanning for devices")
	if err := p.bt.Scan(ctx); err != nil {
		return 0, err
	}

	devices, err := p.bt.UnpairedKeyboards(ctx)
	if err != nil {
		return 0, err
	}
	SortByRSSI(devices)

	if len(devices) == 0 {
		fmt.Fprintln(p.out, "No keyboards detected")
		return ExitOK, nil
	}

	fmt.Fprintln(p.out, "Detected keyboards (sorted by RSSI; highest first).")
	for i, d := range devices {
		fmt.Fprintf(p.out, "%d. %s (RSSI: %s)\n", i+1, d, formatRSSI(d))
	}

	choice, err := p.choose(len(devices))
	if err != nil {
		return 0, err
	}
	if choice == 0 {
		return ExitOK, nil
	}

	device := devices[choice-1]
	fmt.Fprintf(p.out, "%s chosen.\n", device)

	if err := device.Pair(ctx); err != nil {
		var pairErr *bluetooth.PairError
		if errors.As(err, &pairErr) {
			fmt.Fprintf(p.out, "Unable to pair! %s\n", pairErr.Detail)
			return ExitPairFailure, nil
		}
		return 0, err
	}

	return ExitOK, nil
}

// choose prompts until the user enters 0 or a listed ordinal.
func (p *Picker) choose(n int) (int, error) {
	for {
		fmt.Fprint(p.out, prompt)

		line, err := p.in.ReadString('\n')
		if errors.Is(err, io.EOF) && line == "" {
			return 0, io.ErrUnexpectedEOF
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}

		if choice, ok := parseChoice(line, n); ok {
			return choice, nil
		}
	}
}

// parseChoice accepts exactly "0", or an all-digit line naming an ordinal
// in 1..n.
func parseChoice(line string, n int) (int, bool) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	if line == "0" {
		return 0, true
	}
	if line == "" {
		return 0, false
	}
	for _, r := range line {
		if r < '0' || r > '9' {
			return 0, false
		}
	}

	choice, err := strconv.Atoi(line)
	if err != nil || choice < 1 || choice > n {
		return 0, false
	}
	return choice, true
}

func rssiKey(d Device) int {
	if rssi, ok := d.RSSI(); ok {
		return int(rssi)
	}
	return math.MinInt
}

// SortByRSSI orders devices strongest first. Devices without a reading go
// last; ties keep their original order.
func SortByRSSI(devices []Device) {
	sort.SliceStable(devices, func(i, j int) bool {
		return rssiKey(devices[i]) > rssiKey(devices[j])
	})
}

func formatRSSI(d Device) string {
	if rssi, ok := d.RSSI(); ok {
		return strconv.Itoa(int(rssi))
	}
	return "None"
}
