package gateway

// Observer is notified when initiating gateways come up and exit.
type Observer interface {
	GatewayInit(gw *Gateway)
	GatewayExit(gw *Gateway)
}

// ObserverFuncs adapts a pair of functions to Observer. Either may be nil.
type ObserverFuncs struct {
	Init func(gw *Gateway)
	Exit func(gw *Gateway)
}

func (o ObserverFuncs) GatewayInit(gw *Gateway) {
	if o.Init != nil {
		o.Init(gw)
	}
}

func (o ObserverFuncs) GatewayExit(gw *Gateway) {
	if o.Exit != nil {
		o.Exit(gw)
	}
}
