// Package logx is a thin structured-logging layer over zerolog.
//
// Services hold a Logger, not a *Service, so log output and level can be
// reconfigured live (Service.Apply) without re-plumbing dependencies.
package logx
