package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrRunSealed is returned when a terminal write targets a run that already
	// has finished_at set.
	ErrRunSealed = errors.New("storage: run already sealed")

	// ErrUploadInProgress indicates another attempt holds the upload
	// reservation for this (conversion, platform).
	ErrUploadInProgress = errors.New("storage: conversion upload already in progress")

	// ErrUploadUnknown indicates an earlier attempt lost track of whether the
	// platform accepted the conversion. It is not retried automatically.
	ErrUploadUnknown = errors.New("storage: conversion upload outcome unknown")
)
