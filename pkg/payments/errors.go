package payments

import "errors"

var ErrInvalidState = errors.New("operation is not permitted in current channel state")
var ErrInsufficientCapacity = errors.New("payment exceeds channel deposit")
var ErrChannelNotActive = errors.New("channel is not active")
var ErrStaleDispute = errors.New("disputed state is not newer than closing claim")
var ErrSignature = errors.New("failed to sign payment")
var ErrPersistence = errors.New("persistence failure")

var ErrInvalidAmount = errors.New("amount should be positive")
var ErrInvalidPayment = errors.New("invalid payment")
var ErrInvalidRecord = errors.New("channel record is corrupted")
