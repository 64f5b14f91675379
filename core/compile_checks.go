package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ Acknowledger    = (MarketplaceGateway)(nil)
	_ JobTarget       = (*Engine)(nil)
	_ OptionsResolver = GoOptionsResolver{}
	_ ConfigProvider  = (*CfgxConfigProvider)(nil)
	_ RawConfigLoader = staticRawConfigLoader{}

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
