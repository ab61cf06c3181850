package gpiobus

import (
	"time"

	"github.com/tommie/openepo/bus"
	"github.com/tommie/openepo/governor"
)

// DefaultLightUnit is the symbol unit used for the private bus's
// LED/photodetector link. The private bus only ever carries HELLO and
// BOUND (spec §3), both short, over a line-of-sight distance much
// shorter than the public bus's radio range, so a tighter unit than
// wire.MinSymbolUnit's floor is not required for correctness but a
// slightly larger one is kept here for photodetector debounce margin.
const DefaultLightUnit = 20 * time.Microsecond

// NewLightBus returns an OOKBus wired to the LED output pin and
// photodetector input pin that carry the private bus, reusing the same
// OOK-PWM symbol codec as the public bus's radio link (spec §4.1 does
// not distinguish the two buses' framing, only their physical carrier
// and trust level). gov must be the same *governor.Real the owning
// FSM uses.
func NewLightBus(ledPin, detectorPin string, unit time.Duration, gov *governor.Real) (*OOKBus, error) {
	if unit <= 0 {
		unit = DefaultLightUnit
	}
	return NewOOKBus(ledPin, detectorPin, unit, gov)
}

var _ bus.Bus = (*OOKBus)(nil)
