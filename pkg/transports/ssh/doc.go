// Package ssh runs commands and writes files on a remote host over SSH.
//
// A Client holds one connection, optionally through a jump host. Commands
// run in their own session; files are written over SFTP. Failures are
// reported as *TransportError, whose Temporary method tells connection
// problems from commands that ran and failed.
package ssh
