package elm327

import (
	"fmt"
	"os"
	"strings"

	"go.bug.st/serial"
)

const rfcommDevices = 10

// ScanPorts возвращает устройства-кандидаты: сначала привязанные /dev/rfcommN,
// затем USB-адаптеры и прочие порты, которые сообщает ОС.
func ScanPorts() []string {
	return scanPorts(deviceExists, serial.GetPortsList)
}

func deviceExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func scanPorts(exists func(string) bool, list func() ([]string, error)) []string {
	var available []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			available = append(available, p)
		}
	}

	for i := 0; i < rfcommDevices; i++ {
		if p := fmt.Sprintf("/dev/rfcomm%d", i); exists(p) {
			add(p)
		}
	}

	ports, err := list()
	if err != nil {
		logger.Printf("Failed to list serial ports: %v", err)
		return available
	}

	var other []string
	for _, p := range ports {
		if strings.HasPrefix(p, "/dev/ttyUSB") || strings.HasPrefix(p, "/dev/rfcomm") {
			add(p)
		} else {
			other = append(other, p)
		}
	}
	for _, p := range other {
		add(p)
	}
	return available
}
