package instruments

import (
	"fmt"

	"github.com/spf13/cast"

	"github.com/blacktop/go-dtx/dtx"
)

// Process is one entry of the deviceinfo runningProcesses listing.
type Process struct {
	PID           int
	Name          string
	RealAppName   string
	IsApplication bool
	StartDate     float64
}

// DeviceInfo talks to the deviceinfo service.
type DeviceInfo struct {
	ch *dtx.Channel
}

func NewDeviceInfo(conn *dtx.Connection) (*DeviceInfo, error) {
	ch, err := conn.MakeChannel(DeviceInfoChannel)
	if err != nil {
		return nil, err
	}
	return &DeviceInfo{ch: ch}, nil
}

// RunningProcesses lists the processes the instruments server can see.
func (d *DeviceInfo) RunningProcesses() ([]Process, error) {
	resp, err := d.ch.SendSync(dtx.NewMessageWithSelector("runningProcesses"), 0)
	if err != nil {
		return nil, err
	}

	obj := resp.PayloadObject()
	if !obj.IsArray() {
		return nil, fmt.Errorf("unexpected runningProcesses payload: %s", obj.GoString())
	}

	var procs []Process
	for _, entry := range obj.Array() {
		if !entry.IsDictionary() {
			continue
		}
		procs = append(procs, Process{
			PID:           cast.ToInt(entry.Get("pid").Number()),
			Name:          entry.Get("name").String(),
			RealAppName:   entry.Get("realAppName").String(),
			IsApplication: entry.Get("isApplication").Bool(),
			StartDate:     entry.Get("startDate").Number(),
		})
	}
	return procs, nil
}

// Close cancels the underlying channel.
func (d *DeviceInfo) Close() {
	d.ch.Cancel()
}
