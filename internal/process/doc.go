// Package process supervises the bus bridge daemon when GrappleHook is
// configured to own it (bridge.managed: true).
//
// The supervisor launches the daemon in its own process group, forwards
// its stdout and stderr to the logger line by line, and relaunches it after
// an unexpected exit until the restart budget runs out. An optional probe
// (normally a dial of the daemon socket) kills a daemon that stops
// answering so the restart path can recover it.
//
//	sup := process.New(process.FromBridgeConfig(cfg.Bridge))
//	sup.SetLogger(logger.Component("canbridge"))
//	if err := sup.Start(ctx); err != nil {
//	    return err
//	}
//	defer sup.Stop()
package process
