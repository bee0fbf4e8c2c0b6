package main

import (
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// dispatcher runs each update on its own goroutine.
type dispatcher struct {
	inflight sync.WaitGroup
	drained  chan struct{}
}

// dispatch consumes updates until the channel is closed. A panicking handler
// is logged and does not affect other updates.
func dispatch(updates <-chan tgbotapi.Update, handle func(tgbotapi.Update), log *logrus.Logger) *dispatcher {
	d := &dispatcher{drained: make(chan struct{})}
	go func() {
		defer close(d.drained)
		for update := range updates {
			d.inflight.Add(1)
			go func(update tgbotapi.Update) {
				defer d.inflight.Done()
				defer func() {
					if r := recover(); r != nil {
						log.WithFields(logrus.Fields{
							"panic":     r,
							"update_id": update.UpdateID,
						}).Error("Update handler panicked")
					}
				}()
				handle(update)
			}(update)
		}
	}()
	return d
}

// Wait blocks until the update channel is closed and every started handler
// has returned. Add is never called once the loop has drained, so the
// WaitGroup is only waited on after its last Add. It reports false on timeout.
func (d *dispatcher) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		<-d.drained
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
