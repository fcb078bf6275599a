// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the closed enumerations shared by every membrane
// component: API families, safety levels, validation profiles, actions,
// repair kinds, check stages and severity codes.
//
// All enumerations are small integers so per-family and per-stage
// statistics can live in fixed-size arrays that never grow.
package datatypes

import (
	"fmt"
	"os"
	"strings"
)

// =============================================================================
// API Family
// =============================================================================

// ApiFamily identifies the class of libc entry point making a call.
type ApiFamily uint8

const (
	FamilyPointerValidation ApiFamily = iota
	FamilyAllocator
	FamilyStringMemory
	FamilyStdio
	FamilyThreading
	FamilyResolver
	FamilyMathFenv
	FamilyLoader
	FamilyStdlib
	FamilyCtype
	FamilyTime
	FamilySignal
	FamilyIoFd
	FamilySocket
	FamilyLocale
	FamilyTermios
	FamilyInet
	FamilyProcess
	FamilyVirtualMemory
	FamilyPoll

	// FamilyCount is the number of families. Arrays indexed by family use it.
	FamilyCount = int(iota)
)

var familyNames = [FamilyCount]string{
	"pointer_validation",
	"allocator",
	"string_memory",
	"stdio",
	"threading",
	"resolver",
	"math_fenv",
	"loader",
	"stdlib",
	"ctype",
	"time",
	"signal",
	"io_fd",
	"socket",
	"locale",
	"termios",
	"inet",
	"process",
	"virtual_memory",
	"poll",
}

// String returns the snake_case name used in configuration and metrics.
func (f ApiFamily) String() string {
	if int(f) < FamilyCount {
		return familyNames[f]
	}
	return fmt.Sprintf("family(%d)", uint8(f))
}

// Valid reports whether f is a defined family.
func (f ApiFamily) Valid() bool {
	return int(f) < FamilyCount
}

// ParseFamily parses a family name as produced by String.
func ParseFamily(s string) (ApiFamily, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range familyNames {
		if name == s {
			return ApiFamily(i), true
		}
	}
	return 0, false
}

// MarshalText implements encoding.TextMarshaler.
func (f ApiFamily) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *ApiFamily) UnmarshalText(b []byte) error {
	v, ok := ParseFamily(string(b))
	if !ok {
		return fmt.Errorf("unknown api family %q", b)
	}
	*f = v
	return nil
}

// Families returns every family in declaration order.
func Families() []ApiFamily {
	out := make([]ApiFamily, FamilyCount)
	for i := range out {
		out[i] = ApiFamily(i)
	}
	return out
}

// =============================================================================
// Safety Level
// =============================================================================

// SafetyLevel is the process-wide escalation policy. It is fixed when a
// membrane is constructed and never reloaded.
//
// The zero value is SafetyStrict.
type SafetyLevel uint8

const (
	// SafetyStrict preserves libc semantics and refuses calls only on hard evidence.
	SafetyStrict SafetyLevel = iota

	// SafetyHardened escalates earlier and is the only level that repairs.
	SafetyHardened

	// SafetyOff always selects Fast/Allow.
	SafetyOff
)

// ModeEnvVar overrides the configured safety level when set.
const ModeEnvVar = "MEMBRANE_MODE"

// String returns "strict", "hardened" or "off".
func (l SafetyLevel) String() string {
	switch l {
	case SafetyStrict:
		return "strict"
	case SafetyHardened:
		return "hardened"
	case SafetyOff:
		return "off"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// HealEnabled reports whether Repair actions are permitted at this level.
func (l SafetyLevel) HealEnabled() bool {
	return l == SafetyHardened
}

// ParseSafetyLevel parses a safety level name, accepting common aliases.
//
// Description:
//
//	strict, default, abi           -> SafetyStrict
//	hardened, repair, tsm, full    -> SafetyHardened
//	off, none, disabled            -> SafetyOff
//
// Outputs:
//
//	SafetyLevel - The parsed level (SafetyStrict on error).
//	error - Non-nil if the name is not recognised.
func ParseSafetyLevel(s string) (SafetyLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict", "default", "abi", "":
		return SafetyStrict, nil
	case "hardened", "repair", "tsm", "full":
		return SafetyHardened, nil
	case "off", "none", "disabled":
		return SafetyOff, nil
	default:
		return SafetyStrict, fmt.Errorf("unknown safety level %q", s)
	}
}

// SafetyLevelFromEnv returns the level named by MEMBRANE_MODE, or fallback
// if the variable is unset or unparseable.
func SafetyLevelFromEnv(fallback SafetyLevel) SafetyLevel {
	v, ok := os.LookupEnv(ModeEnvVar)
	if !ok {
		return fallback
	}
	level, err := ParseSafetyLevel(v)
	if err != nil {
		return fallback
	}
	return level
}

// =============================================================================
// Profile, Action, Repair
// =============================================================================

// Profile is the validation depth for a call.
type Profile uint8

const (
	ProfileFast Profile = iota
	ProfileFull

	ProfileCount = int(iota)
)

// String returns "fast" or "full".
func (p Profile) String() string {
	if p == ProfileFull {
		return "full"
	}
	return "fast"
}

// Other returns the opposite arm.
func (p Profile) Other() Profile {
	if p == ProfileFull {
		return ProfileFast
	}
	return ProfileFull
}

// ActionKind is the verdict for a call.
type ActionKind uint8

const (
	ActionAllow ActionKind = iota
	ActionRepair
	ActionDeny
)

// String returns "allow", "repair" or "deny".
func (a ActionKind) String() string {
	switch a {
	case ActionRepair:
		return "repair"
	case ActionDeny:
		return "deny"
	default:
		return "allow"
	}
}

// RepairKind is one of the closed set of reversible corrective transformations.
type RepairKind uint8

const (
	RepairNone RepairKind = iota
	RepairReturnSafeDefault
	RepairTruncateWithNull
	RepairClampToBounds

	RepairKindCount = int(iota)
)

// String returns the snake_case name of the repair kind.
func (k RepairKind) String() string {
	switch k {
	case RepairReturnSafeDefault:
		return "return_safe_default"
	case RepairTruncateWithNull:
		return "truncate_with_null"
	case RepairClampToBounds:
		return "clamp_to_bounds"
	default:
		return "none"
	}
}

// Action pairs an ActionKind with the repair to apply when Kind is ActionRepair.
type Action struct {
	Kind   ActionKind
	Repair RepairKind
}

// Allow is the Allow action.
func Allow() Action { return Action{Kind: ActionAllow} }

// Deny is the Deny action.
func Deny() Action { return Action{Kind: ActionDeny} }

// Repair is a Repair action of the given kind.
func Repair(kind RepairKind) Action { return Action{Kind: ActionRepair, Repair: kind} }

// String renders the action, including the repair kind when present.
func (a Action) String() string {
	if a.Kind == ActionRepair {
		return "repair(" + a.Repair.String() + ")"
	}
	return a.Kind.String()
}

// =============================================================================
// Caller Contract
// =============================================================================

// ContractCode reports a caller-contract violation detected before any risk
// evaluation. Contract violations never feed the monitor ensemble.
type ContractCode uint8

const (
	ContractNone ContractCode = iota
	ContractNullPointer
	ContractMisaligned
	ContractZeroLength
)

// String returns the snake_case name of the code.
func (c ContractCode) String() string {
	switch c {
	case ContractNullPointer:
		return "null_pointer"
	case ContractMisaligned:
		return "misaligned"
	case ContractZeroLength:
		return "zero_length"
	default:
		return "none"
	}
}

// =============================================================================
// Decision
// =============================================================================

// Decision is the per-call verdict. It is computed fresh for every call
// and never cached.
type Decision struct {
	Profile  Profile
	Action   Action
	RiskPPM  uint32
	PolicyID uint32
	Contract ContractCode
}

// RequiresFull reports whether the caller must run the full pipeline.
func (d Decision) RequiresFull() bool {
	return d.Profile == ProfileFull
}

// Denied reports whether the call must be refused.
func (d Decision) Denied() bool {
	return d.Action.Kind == ActionDeny
}

// PolicyID packs (level, family, profile, action, repair) into a compact
// identifier used to group decisions in telemetry and audit output.
func PolicyID(level SafetyLevel, family ApiFamily, profile Profile, action Action) uint32 {
	return uint32(level)<<16 | uint32(family)<<8 | uint32(profile)<<6 | uint32(action.Kind)<<4 | uint32(action.Repair)
}

// =============================================================================
// Severity
// =============================================================================

// Severity is the bounded qualitative output of a monitor.
type Severity uint8

const (
	SeverityNominal Severity = iota
	SeverityElevated
	SeverityWarning
	SeverityCritical

	SeverityCount = int(iota)
)

// String returns the lower-case severity name.
func (s Severity) String() string {
	switch s {
	case SeverityNominal:
		return "nominal"
	case SeverityElevated:
		return "elevated"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", uint8(s))
	}
}

// ParseSeverity parses a severity name or its digit.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nominal", "0":
		return SeverityNominal, nil
	case "elevated", "1":
		return SeverityElevated, nil
	case "warning", "2":
		return SeverityWarning, nil
	case "critical", "3":
		return SeverityCritical, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Clamp bounds s to SeverityCritical.
func (s Severity) Clamp() Severity {
	if s > SeverityCritical {
		return SeverityCritical
	}
	return s
}

// =============================================================================
// Check Stages
// =============================================================================

// Stage is one of the seven pointer validation stages.
type Stage uint8

const (
	StageNull Stage = iota
	StageAlignment
	StageBounds
	StageArena
	StageQuarantine
	StageCanary
	StageDeepScan

	StageCount = int(iota)
)

// PinnedStages is the number of leading stages excluded from reordering.
const PinnedStages = 2

// DefaultOrdering is the initial stage ordering for every context.
var DefaultOrdering = [StageCount]Stage{
	StageNull, StageAlignment, StageBounds, StageArena, StageQuarantine, StageCanary, StageDeepScan,
}

// stageCostNs is the nominal cost of each stage in nanoseconds.
var stageCostNs = [StageCount]uint32{1, 1, 5, 30, 10, 10, 60}

// CostNs returns the nominal cost of the stage in nanoseconds.
func (s Stage) CostNs() uint32 {
	if int(s) < StageCount {
		return stageCostNs[s]
	}
	return 0
}

// String returns the snake_case stage name.
func (s Stage) String() string {
	switch s {
	case StageNull:
		return "null"
	case StageAlignment:
		return "alignment"
	case StageBounds:
		return "bounds"
	case StageArena:
		return "arena"
	case StageQuarantine:
		return "quarantine"
	case StageCanary:
		return "canary"
	case StageDeepScan:
		return "deep_scan"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}
