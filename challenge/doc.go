// Package challenge holds the short-lived transaction records of the
// challenge-response protocol.
//
// A record's validity is a hard deadline checked when it is consumed; no
// timer runs per record. Consumed and expired rows are reclaimed by
// [Store.Sweep], which the engine calls opportunistically.
package challenge
