package transport

import (
	"fmt"
	"slices"

	bugst "go.bug.st/serial"

	"github.com/serebryakov7/ls3-gauge/common"
)

// PortLister перечисляет последовательные порты системы.
type PortLister interface {
	Ports() ([]string, error)
}

// SystemPorts перечисляет порты ОС.
type SystemPorts struct{}

func (SystemPorts) Ports() ([]string, error) {
	ports, err := bugst.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("%w: перечисление портов: %v", common.ErrTransport, err)
	}
	return ports, nil
}

// PortPresent сообщает, есть ли порт name в списке системы.
func PortPresent(l PortLister, name string) (bool, []string, error) {
	ports, err := l.Ports()
	if err != nil {
		return false, nil, err
	}
	return slices.Contains(ports, name), ports, nil
}
