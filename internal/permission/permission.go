// Package permission models the OS permissions the radio needs and the
// check, request and settings-redirect flow around them.
package permission

import (
	"context"
	"fmt"

	apperrors "github.com/rollcall/ble-attendance/internal/errors"
)

type Category string

const (
	CategoryBluetoothScan      Category = "bluetooth_scan"
	CategoryBluetoothConnect   Category = "bluetooth_connect"
	CategoryBluetoothAdvertise Category = "bluetooth_advertise"
	CategoryLocation           Category = "location"
)

type Status string

const (
	StatusGranted       Status = "granted"
	StatusDenied        Status = "denied"
	StatusNeverAskAgain Status = "never_ask_again"
	StatusCanRequest    Status = "can_request"
)

type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// Role selects which radio features the app will use.
type Role int

const (
	RoleScanner Role = iota
	RoleAdvertiser
)

// androidRuntimeBluetoothLevel is the first API level with runtime
// Bluetooth permissions; earlier levels scan under location permission.
const androidRuntimeBluetoothLevel = 31

// State aggregates the per-category statuses.
type State struct {
	Statuses   map[Category]Status `json:"statuses"`
	AllGranted bool                `json:"allGranted"`
	Missing    []Category          `json:"missing"`
}

// Rationale is shown before asking again for a denied permission.
type Rationale struct {
	Title   string
	Message string
}

var DefaultRationale = Rationale{
	Title:   "Bluetooth access",
	Message: "Attendance check-in detects nearby session beacons over Bluetooth.",
}

// Checker is the platform permission API.
type Checker interface {
	Check(ctx context.Context, c Category) (Status, error)
	Request(ctx context.Context, c Category, rationale Rationale) (Status, error)
	OpenSettings(ctx context.Context) error
}

// Required lists the categories a role needs on a platform. iOS handles
// Bluetooth authorization outside the app layer.
func Required(platform Platform, apiLevel int, role Role) []Category {
	if platform != PlatformAndroid {
		return nil
	}
	if apiLevel < androidRuntimeBluetoothLevel {
		return []Category{CategoryLocation}
	}
	categories := []Category{CategoryBluetoothScan, CategoryBluetoothConnect}
	if role == RoleAdvertiser {
		categories = append(categories, CategoryBluetoothAdvertise)
	}
	return categories
}

// Evaluate builds a State from raw statuses, keeping the order of categories.
func Evaluate(categories []Category, statuses map[Category]Status) State {
	state := State{Statuses: make(map[Category]Status, len(categories)), AllGranted: true}
	for _, c := range categories {
		status, ok := statuses[c]
		if !ok {
			status = StatusCanRequest
		}
		state.Statuses[c] = status
		if status != StatusGranted {
			state.AllGranted = false
			state.Missing = append(state.Missing, c)
		}
	}
	return state
}

// Ensure checks every category, requests the missing ones with a rationale
// and sends the user to the settings screen when a permission can no longer
// be requested. It returns the resulting state and a PERMISSIONS_DENIED
// error unless everything was granted.
func Ensure(ctx context.Context, checker Checker, categories []Category, rationale Rationale) (State, error) {
	statuses := make(map[Category]Status, len(categories))
	for _, c := range categories {
		status, err := checker.Check(ctx, c)
		if err != nil {
			return State{}, fmt.Errorf("check %s permission: %w", c, err)
		}
		if status != StatusGranted && status != StatusNeverAskAgain {
			status, err = checker.Request(ctx, c, rationale)
			if err != nil {
				return State{}, fmt.Errorf("request %s permission: %w", c, err)
			}
		}
		statuses[c] = status
	}

	state := Evaluate(categories, statuses)
	if state.AllGranted {
		return state, nil
	}

	neverAskAgain := false
	missing := make([]string, 0, len(state.Missing))
	for _, c := range state.Missing {
		missing = append(missing, string(c))
		if state.Statuses[c] == StatusNeverAskAgain {
			neverAskAgain = true
		}
	}
	if neverAskAgain {
		if err := checker.OpenSettings(ctx); err != nil {
			return state, fmt.Errorf("open settings: %w", err)
		}
	}
	return state, apperrors.PermissionsDenied(missing, neverAskAgain)
}

// AlwaysGranted is the checker for platforms without runtime permissions.
type AlwaysGranted struct{}

func (AlwaysGranted) Check(ctx context.Context, c Category) (Status, error) {
	return StatusGranted, nil
}

func (AlwaysGranted) Request(ctx context.Context, c Category, rationale Rationale) (Status, error) {
	return StatusGranted, nil
}

func (AlwaysGranted) OpenSettings(ctx context.Context) error { return nil }
