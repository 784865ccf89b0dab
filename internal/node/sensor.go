package node

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kmay89/securacv-canary/internal/healthlog"
	"github.com/kmay89/securacv-canary/internal/mesh"
	"github.com/kmay89/securacv-canary/internal/observe"
	"github.com/kmay89/securacv-canary/internal/rfpresence"
	"github.com/kmay89/securacv-canary/internal/sensor"
	"github.com/kmay89/securacv-canary/internal/witness"
)

// maxSensorEvents bounds the sensor events taken per tick.
const maxSensorEvents = 64

// sense routes one sensor event. Radio sightings only ever reach the RF
// engine, which zeroes the address.
func (n *Node) sense(now uint32, ev sensor.Event) {
	switch ev.Kind {
	case sensor.BLE:
		n.RF.FeedBLE(now, &ev.MAC, ev.RSSI)
	case sensor.WiFiProbe:
		n.RF.FeedWiFiProbe(now, &ev.MAC, ev.RSSI)
	case sensor.Temperature:
		n.RF.FeedTemperature(ev.TempC)
	case sensor.Power:
		n.RF.FeedPower(now, ev.PowerFlags)
		n.powerAlert(now, ev)
	case sensor.Tamper:
		n.tamperAlert(now, ev.Detail)
	}
}

func (n *Node) powerAlert(now uint32, ev sensor.Event) {
	var typ mesh.AlertType
	switch {
	case ev.PowerFlags&rfpresence.PowerBrownout != 0:
		typ = mesh.AlertPowerLoss
	case ev.PowerFlags&rfpresence.PowerLowVoltage != 0:
		typ = mesh.AlertLowVoltage
	default:
		return
	}
	n.Health.Log(now, healthlog.Warning, healthlog.Sensor, "power event: "+typ.String(),
		fmt.Sprintf("voltage=%dmV runtime=%dmin", ev.VoltageMv, ev.RuntimeMin))
	if _, err := n.Mesh.BroadcastPowerAlert(now, typ, ev.VoltageMv, ev.RuntimeMin); err != nil {
		n.logger.Debug("power alert not sent", zap.Error(err))
	}
}

// tamperAlert witnesses a local tamper event, then tells the opera which
// record holds it.
func (n *Node) tamperAlert(now uint32, detail string) {
	n.Health.Log(now, healthlog.Tamper, healthlog.Sensor, "tamper detected", detail)
	rec, err := n.loop.RecordTamper(now, observe.Tamper{
		Alert:    mesh.AlertTamper.String(),
		Severity: healthlog.Tamper.String(),
		From:     n.Chain.DeviceID(),
		PeerSeq:  n.Chain.Status().Seq,
		Detail:   detail,
	})
	if err != nil && !errors.Is(err, witness.ErrVerifyFailed) {
		n.logger.Warn("tamper record", zap.Error(err))
		return
	}
	if _, err := n.Mesh.BroadcastTamperAlert(now, mesh.AlertTamper, healthlog.Tamper, rec.Seq, detail); err != nil {
		n.logger.Debug("tamper alert not sent", zap.Error(err))
	}
}
