// Package atef provides declarative checkout machinery for control
// systems.
//
// The comparison engine is in package 'check', passive checkouts in
// 'config', active checkouts in 'procedure', and the command-line
// tools in 'cmd'.
//
// See https://github.com/pcdshub/atef/blob/master/README.md for more.
package atef
