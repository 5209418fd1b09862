package domain

import "errors"

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrReservationLost = errors.New("session reservation no longer held")
)
