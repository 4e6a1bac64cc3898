// Package identity tracks the QQ accounts the robot has interacted with.
//
// It owns the user registry (nickname, ban flag, bound private session) and
// the store interfaces used by the admission and routing layers.
//
// This package is intentionally dependency-light.
package identity
