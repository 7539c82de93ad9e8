package navigation

import "time"

type stopController struct{}

// NewStop returns a controller that always commands zero velocity.
func NewStop() Controller { return stopController{} }

func (stopController) Name() Name { return Stop }

func (stopController) Update(State, time.Duration) Command { return Command{} }

func (stopController) Reset() {}
