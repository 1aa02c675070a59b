package valves

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// GPIO is a Driver for the Linux sysfs GPIO interface. Pins are exported and
// set to output on first use. A valve relay wired active-high opens on "1"
// and closes on "0".
type GPIO struct {
	base     string
	exported map[int]struct{}
	lock     sync.Mutex
}

// NewGPIO returns a GPIO driver rooted at base (normally /sys/class/gpio).
func NewGPIO(base string) *GPIO {
	return &GPIO{
		base:     base,
		exported: make(map[int]struct{}),
	}
}

func (g *GPIO) Set(pin int, open bool) error {
	if err := g.export(pin); err != nil {
		return err
	}
	value := []byte("0")
	if open {
		value = []byte("1")
	}
	if err := os.WriteFile(g.pinPath(pin, "value"), value, 0644); err != nil {
		return fmt.Errorf("gpio %d: %w", pin, err)
	}
	return nil
}

func (g *GPIO) export(pin int) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	if _, done := g.exported[pin]; done {
		return nil
	}
	if _, err := os.Stat(g.pinPath(pin, "value")); err != nil {
		if err = os.WriteFile(filepath.Join(g.base, "export"), []byte(strconv.Itoa(pin)), 0200); err != nil {
			return fmt.Errorf("gpio %d: export: %w", pin, err)
		}
	}
	if err := os.WriteFile(g.pinPath(pin, "direction"), []byte("out"), 0644); err != nil {
		return fmt.Errorf("gpio %d: direction: %w", pin, err)
	}
	g.exported[pin] = struct{}{}
	return nil
}

func (g *GPIO) pinPath(pin int, file string) string {
	return filepath.Join(g.base, "gpio"+strconv.Itoa(pin), file)
}
