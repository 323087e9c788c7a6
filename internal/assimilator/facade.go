package assimilator

import (
	"reflect"

	"github.com/traefik/yaegi/interp"

	"genesis/internal/bus"
)

// facade builds the symbols for the one package generated components
// may import: "genesis/organ". It gives an organ a narrow, named lane
// onto the event bus and a cooperative stop signal, nothing else.
func (a *Assimilator) facade(name string, u *unit) interp.Exports {
	emit := func(topic string, data map[string]interface{}) {
		a.bus.Publish(bus.Event{
			Topic:  topic,
			Source: name,
			Data:   data,
		})
	}
	done := func() <-chan struct{} {
		return u.stop
	}
	self := func() string {
		return name
	}

	return interp.Exports{
		"genesis/organ/organ": {
			"Emit": reflect.ValueOf(emit),
			"Done": reflect.ValueOf(done),
			"Name": reflect.ValueOf(self),
		},
	}
}
