// Package devices holds what the reference devices share: the debug
// register capability used by monitors.
package devices

import (
	"github.com/valerio/go-emucore/emucore/capability"
	"github.com/valerio/go-emucore/emucore/fabric"
)

// Inspector is implemented by devices that expose their registers for
// debugging.
type Inspector interface {
	Registers() fabric.Registers
}

// RegistersTag is the capability under which devices advertise their
// Inspector.
var RegistersTag = capability.NewTag[Inspector]("registers")

// Inspect binds a device's Inspector for registration.
func Inspect(i Inspector) capability.Binding {
	return capability.Provide(RegistersTag, i)
}
