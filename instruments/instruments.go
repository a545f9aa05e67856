// Package instruments provides thin clients for a few well-known
// instruments server services on top of the dtx messaging core.
package instruments

const (
	DeviceInfoChannel            = "com.apple.instruments.server.services.deviceinfo"
	ProcControlChannel           = "com.apple.instruments.server.services.processcontrol"
	ProcControlPosixSpawnChannel = "com.apple.instruments.server.services.processcontrol.posixspawn"
	SysmonTapChannel             = "com.apple.instruments.server.services.sysmontap"
	GraphicsOpenGLChannel        = "com.apple.instruments.server.services.graphics.opengl"
	XpcControlChannel            = "com.apple.instruments.server.services.device.xpccontrol"
	MobileNotificationsChannel   = "com.apple.instruments.server.services.mobilenotifications"
	AppListingChannel            = "com.apple.instruments.server.services.device.applictionListing"
	AssetsChannel                = "com.apple.instruments.server.services.assets"
	ActivityTraceTapChannel      = "com.apple.instruments.server.services.activitytracetap"
	WatchProcessControlChannel   = "com.apple.dt.Xcode.WatchProcessControl"
)
