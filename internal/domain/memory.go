package domain

import "fmt"

// Gigabytes is an integer amount of GPU memory. Carrying the unit in the
// type keeps pool accounting and configuration from drifting apart.
type Gigabytes int64

func (g Gigabytes) String() string {
	return fmt.Sprintf("%dGB", int64(g))
}
