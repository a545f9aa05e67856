package instruments

import (
	"fmt"
	"time"

	"github.com/spf13/cast"

	"github.com/blacktop/go-dtx/dtx"
	"github.com/blacktop/go-dtx/nskeyedarchiver"
)

// ProcessControl drives the processcontrol service: launching apps and
// killing processes by pid.
type ProcessControl struct {
	ch *dtx.Channel
}

func NewProcessControl(conn *dtx.Connection) (*ProcessControl, error) {
	ch, err := conn.MakeChannel(ProcControlChannel)
	if err != nil {
		return nil, err
	}
	return &ProcessControl{ch: ch}, nil
}

// KillPid asks the server to kill the given process.
func (p *ProcessControl) KillPid(pid uint64) error {
	msg := dtx.NewMessageWithSelector("killPid:")
	msg.AppendAuxiliary(nskeyedarchiver.NewUInt64(pid))
	_, err := p.ch.SendSync(msg, 0)
	return err
}

// DisableMemoryLimits lifts the jetsam memory cap for a process.
func (p *ProcessControl) DisableMemoryLimits(pid int32) error {
	msg := dtx.NewMessageWithSelector("requestDisableMemoryLimitsForPid:")
	msg.AppendAuxiliary(nskeyedarchiver.NewInt32(pid))
	_, err := p.ch.SendSync(msg, 0)
	return err
}

// LaunchOptions tunes LaunchApp.
type LaunchOptions struct {
	Environment  map[string]string
	Arguments    []string
	KillExisting bool
}

// LaunchApp starts a bundle and returns its pid. The launch options set
// StartSuspendedKey to 0, so the process is not left suspended.
func (p *ProcessControl) LaunchApp(bundleID string, opts LaunchOptions) (int64, error) {
	msg := dtx.NewMessageWithSelector(
		"launchSuspendedProcessWithDevicePath:bundleIdentifier:environment:arguments:options:")
	msg.AppendAuxiliary(nskeyedarchiver.NewString("/private/"))
	msg.AppendAuxiliary(nskeyedarchiver.NewString(bundleID))

	env := nskeyedarchiver.NewDictionary(map[string]nskeyedarchiver.Object{
		"NSUnbufferedIO": nskeyedarchiver.NewString("YES"),
	})
	for k, v := range opts.Environment {
		env.Set(k, nskeyedarchiver.NewString(v))
	}
	env.ClassName = "NSMutableDictionary"
	env.Classes = []string{"NSMutableDictionary", "NSDictionary", "NSObject"}
	msg.AppendAuxiliary(env)

	args := nskeyedarchiver.NewArray()
	for _, a := range opts.Arguments {
		args.Append(nskeyedarchiver.NewString(a))
	}
	args.ClassName = "NSMutableArray"
	args.Classes = []string{"NSMutableArray", "NSArray", "NSObject"}
	msg.AppendAuxiliary(args)

	options := nskeyedarchiver.NewDictionary(map[string]nskeyedarchiver.Object{
		"StartSuspendedKey": nskeyedarchiver.NewInt64(0),
		"ActivateSuspended": nskeyedarchiver.NewInt64(1),
	})
	if opts.KillExisting {
		options.Set("KillExisting", nskeyedarchiver.NewInt64(1))
	}
	options.ClassName = "NSMutableDictionary"
	options.Classes = []string{"NSMutableDictionary", "NSDictionary", "NSObject"}
	msg.AppendAuxiliary(options)

	resp, err := p.ch.SendSync(msg, 10*time.Second)
	if err != nil {
		return 0, err
	}

	payload := resp.PayloadObject()
	if !payload.IsNumber() {
		return 0, fmt.Errorf("unexpected launch response: %s", payload.GoString())
	}
	return cast.ToInt64(payload.Number()), nil
}

// Close cancels the underlying channel.
func (p *ProcessControl) Close() {
	p.ch.Cancel()
}
