// Package machine owns the single machine state of a gateway and the
// validation contracts of every request that touches it.
//
// The Controller serializes lifecycle transitions and configuration under one
// mutex. Request bodies are parsed into typed schemas by the Parse functions
// before the controller sees them; a rejected request never reaches shared
// state.
package machine
