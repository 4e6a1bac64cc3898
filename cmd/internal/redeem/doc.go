// Package redeem issues and consumes quota gift codes (兑换码).
//
// Operators mint codes carrying a token amount; users claim them in
// chat with the /redeem command. Codes are stored hashed, expire, and
// support limited use counts.
package redeem
