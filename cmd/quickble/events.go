package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/srg/quickble/internal/gatt"
	"github.com/srg/quickble/pkg/quickble"
	"github.com/srg/quickble/pkg/quickble/wire"
)

var outputFormats = []string{"text", "wire"}

func validFormat(format string, allowed []string) error {
	for _, f := range allowed {
		if f == format {
			return nil
		}
	}
	return fmt.Errorf("invalid format '%s': must be one of %v", format, allowed)
}

// eventPrinter writes bridge events as they happen. It is called from the dispatch loop.
type eventPrinter struct {
	mu  sync.Mutex
	w   io.Writer
	enc *wire.Encoder
	err error
}

func newEventPrinter(w io.Writer, format string) *eventPrinter {
	p := &eventPrinter{w: w}
	if format == "wire" {
		p.enc = wire.NewEncoder(w)
	}
	return p
}

func (p *eventPrinter) Print(ev quickble.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return
	}
	if p.enc != nil {
		p.err = p.enc.Encode(ev)
		return
	}
	_, p.err = fmt.Fprintln(p.w, colorize(ev, formatEvent(ev)))
}

// Err returns the first write error.
func (p *eventPrinter) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Infof writes a status line in text mode. Wire output carries events only.
func (p *eventPrinter) Infof(format string, args ...interface{}) {
	if p.enc != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

func formatEvent(ev quickble.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s", ev.Role, ev.Kind)
	if ev.UUID != "" {
		fmt.Fprintf(&b, " uuid=%s", gatt.ShortUUID(ev.UUID))
	}
	if ev.Address != "" {
		fmt.Fprintf(&b, " address=%s", ev.Address)
	}
	if ev.Name != "" {
		fmt.Fprintf(&b, " name=%q", ev.Name)
	}
	switch ev.Kind {
	case quickble.EventDeviceDiscovered:
		fmt.Fprintf(&b, " rssi=%d", ev.RSSI)
	case quickble.EventAdvertise:
		fmt.Fprintf(&b, " code=%d", ev.Code)
	case quickble.EventBtPower, quickble.EventRequestBt:
		fmt.Fprintf(&b, " enabled=%t", ev.Success)
	case quickble.EventCharRead, quickble.EventCharWrite, quickble.EventDescRead, quickble.EventDescWrite,
		quickble.EventConnectToDevice, quickble.EventSentNotification:
		fmt.Fprintf(&b, " success=%t", ev.Success)
	}
	if len(ev.Value) > 0 {
		fmt.Fprintf(&b, " value=%s", hex.EncodeToString(ev.Value))
	}
	return b.String()
}

func failed(ev quickble.Event) bool {
	switch ev.Kind {
	case quickble.EventAdvertise:
		return ev.Code != 0
	case quickble.EventCharRead, quickble.EventCharWrite, quickble.EventDescRead, quickble.EventDescWrite,
		quickble.EventConnectToDevice, quickble.EventSentNotification:
		return !ev.Success
	}
	return false
}

func colorize(ev quickble.Event, line string) string {
	switch {
	case failed(ev):
		return color.RedString(line)
	case ev.Kind == quickble.EventDeviceConnected || ev.Kind == quickble.EventConnectToDevice:
		return color.GreenString(line)
	case ev.Kind == quickble.EventDeviceDisconnect || ev.Kind == quickble.EventDisconnectFromDevice:
		return color.YellowString(line)
	default:
		return line
	}
}
