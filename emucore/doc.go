// Package emucore assembles machines out of independently clocked
// components that share memory mapped buses.
//
// A Machine owns a bus router, a component registry with its dependency
// graph, a cycle scheduler, a snapshot engine and the state fabric that
// components publish to. Components are registered with their clock ratio,
// the address ranges they own and the capabilities they offer; the machine
// is then advanced in master ticks:
//
//	m := emucore.New(emucore.WithWorkers(4))
//	_ = m.AddBus(bus.Config{Name: "main", AddressBits: 16})
//	_ = m.Register(registry.Descriptor{ID: "ram", Component: ram, Ranges: ranges})
//	res, err := m.Advance(17556, time.Time{})
//
// Execution is deterministic: the same machine advanced by the same calls
// produces the same snapshot, however many workers step parallel
// components.
package emucore
