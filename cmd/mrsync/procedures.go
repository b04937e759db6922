package main

import (
	"go.uber.org/zap"

	"github.com/cory-johannsen/mrsync/internal/rpc"
)

// registerProcedures installs the built-in procedures every session answers:
//
//	ping(args...)        replies pong with the same args
//	join(channel)        adds the calling user to channel
//	leave(channel)       removes the calling user from channel
//	broadcast(proc, ...) forwards proc to every member of the caller's channel
func registerProcedures(r *rpc.Router, logger *zap.Logger) {
	r.On("ping", func(c *rpc.Call) {
		args := make([]any, len(c.Args))
		for i, a := range c.Args {
			args[i] = a
		}
		if err := r.Send("pong", args...); err != nil {
			logger.Debug("pong", zap.Error(err))
		}
	})
	r.On("join", func(c *rpc.Call) {
		var name string
		if c.UserID == "" || c.Arg(0, &name) != nil || name == "" {
			return
		}
		r.User(c.UserID).Join(name)
	})
	r.On("leave", func(c *rpc.Call) {
		var name string
		if c.UserID == "" || c.Arg(0, &name) != nil {
			return
		}
		r.User(c.UserID).Leave(name)
	})
	r.On("broadcast", func(c *rpc.Call) {
		var channel, proc string
		if c.Arg(0, &channel) != nil || c.Arg(1, &proc) != nil {
			return
		}
		ch, ok := r.Channel(channel, false)
		if !ok {
			return
		}
		args := make([]any, 0, len(c.Args)-2)
		for _, a := range c.Args[2:] {
			args = append(args, a)
		}
		if err := ch.Send(proc, args...); err != nil {
			logger.Debug("broadcast", zap.String("channel", channel), zap.Error(err))
		}
	})
}
