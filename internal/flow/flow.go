// Package flow implements the setup and options forms for a softener entry.
// A form either produces an entry change or comes back with errors keyed by
// field name ("base" for errors not tied to a field).
package flow

import (
	"context"
	"fmt"
	"strings"

	"iquasoftener/internal/config"
	"iquasoftener/internal/iqua"

	"go.uber.org/zap"
)

// Domain prefixes unique ids of entries created here
const Domain = "iqua_softener"

// Form field names and error codes
const (
	FieldBase           = "base"
	FieldUsername       = "username"
	FieldPassword       = "password"
	FieldDeviceSerial   = "device_sn"
	FieldUpdateInterval = "update_interval"

	ErrCodeConnection = "connection_error"
	ErrCodeRequired   = "required"
	ErrCodeOutOfRange = "out_of_range"
)

// Step ids
const (
	StepUser = "user"
	StepInit = "init"
)

// ErrAlreadyConfigured aborts a setup for a device that already has an entry
var ErrAlreadyConfigured = config.ErrAlreadyConfigured

// UserInput is the setup form
type UserInput struct {
	Username       string `json:"username"`
	Password       string `json:"password"`
	DeviceSerial   string `json:"device_sn"`
	UpdateInterval int    `json:"update_interval,omitempty"`
}

// OptionsInput is the options form
type OptionsInput struct {
	UpdateInterval int `json:"update_interval"`
}

// Result is the outcome of a step. Exactly one of Entry and Errors is set.
type Result struct {
	StepID string            `json:"step_id"`
	Entry  *config.Entry     `json:"entry,omitempty"`
	Errors map[string]string `json:"errors,omitempty"`
}

// Created reports whether the step produced an entry
func (r Result) Created() bool {
	return r.Entry != nil
}

// Flow runs the setup and options steps against the entry store
type Flow struct {
	store   *config.Store
	factory iqua.Factory
	logger  *zap.Logger
}

// New creates a flow. factory builds the client used for the validating fetch.
func New(store *config.Store, factory iqua.Factory, logger *zap.Logger) *Flow {
	return &Flow{
		store:   store,
		factory: factory,
		logger:  logger.Named("flow"),
	}
}

// UniqueID returns the entry unique id for a device serial number
func UniqueID(serial string) string {
	return fmt.Sprintf("%s_%s", Domain, serial)
}

// StepUser validates the setup form with one live fetch and creates the entry
func (f *Flow) StepUser(ctx context.Context, input UserInput) (Result, error) {
	input.Username = strings.TrimSpace(input.Username)
	input.DeviceSerial = strings.TrimSpace(input.DeviceSerial)

	errs := map[string]string{}
	if input.Username == "" {
		errs[FieldUsername] = ErrCodeRequired
	}
	if input.Password == "" {
		errs[FieldPassword] = ErrCodeRequired
	}
	if input.DeviceSerial == "" {
		errs[FieldDeviceSerial] = ErrCodeRequired
	}
	if input.UpdateInterval != 0 && !config.IntervalInRange(input.UpdateInterval) {
		errs[FieldUpdateInterval] = ErrCodeOutOfRange
	}
	if len(errs) > 0 {
		return Result{StepID: StepUser, Errors: errs}, nil
	}

	uniqueID := UniqueID(input.DeviceSerial)
	if _, ok := f.store.FindByUniqueID(uniqueID); ok {
		return Result{}, fmt.Errorf("%w: %s", ErrAlreadyConfigured, uniqueID)
	}

	client := f.factory(input.Username, input.Password, input.DeviceSerial)
	if _, err := client.FetchData(ctx); err != nil {
		f.logger.Debug("Validation fetch failed",
			zap.String("device_sn", input.DeviceSerial),
			zap.Error(err))
		return Result{StepID: StepUser, Errors: map[string]string{FieldBase: ErrCodeConnection}}, nil
	}

	interval := input.UpdateInterval
	if interval == 0 {
		interval = config.DefaultUpdateInterval
	}

	entry, err := f.store.Add(config.Entry{
		Title:    fmt.Sprintf("IQua %s", input.DeviceSerial),
		UniqueID: uniqueID,
		Data: config.EntryData{
			Username:     input.Username,
			Password:     input.Password,
			DeviceSerial: input.DeviceSerial,
		},
		Options: config.EntryOptions{UpdateInterval: interval},
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to create entry: %w", err)
	}

	f.logger.Info("Entry created",
		zap.String("entry_id", entry.ID),
		zap.String("device_sn", input.DeviceSerial))
	return Result{StepID: StepUser, Entry: &entry}, nil
}

// StepOptions validates and stores new options for an entry. The store's
// update hooks take care of reloading the device.
func (f *Flow) StepOptions(entryID string, input OptionsInput) (Result, error) {
	if _, err := f.store.Get(entryID); err != nil {
		return Result{}, err
	}

	if !config.IntervalInRange(input.UpdateInterval) {
		return Result{StepID: StepInit, Errors: map[string]string{FieldUpdateInterval: ErrCodeOutOfRange}}, nil
	}

	entry, err := f.store.UpdateOptions(entryID, config.EntryOptions{UpdateInterval: input.UpdateInterval})
	if err != nil {
		return Result{}, fmt.Errorf("failed to update options: %w", err)
	}
	return Result{StepID: StepInit, Entry: &entry}, nil
}

// DefaultOptions returns the options form prefilled from the entry
func (f *Flow) DefaultOptions(entryID string) (OptionsInput, error) {
	entry, err := f.store.Get(entryID)
	if err != nil {
		return OptionsInput{}, err
	}
	return OptionsInput{UpdateInterval: config.ClampInterval(entry.Options.UpdateInterval)}, nil
}
