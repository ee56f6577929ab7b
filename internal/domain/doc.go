// Package domain holds the core model types and the interfaces through which
// the room broker talks to collaborator services. It depends on no other
// internal package.
package domain
