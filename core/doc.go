// Package core defines the domain model shared by the sentinel gateway.
//
// # Overview
//
// The package holds the types that flow between the request pipeline, the rule
// engine, the simulation runner and the storage and notification collaborators:
//   - Identity and RateKey, produced by authentication and consumed by rate limiting
//   - Event, the unit of telemetry evaluated by the rule engine
//   - Rule and Condition, the serialised form of detection rules
//   - MatchResult, Alert and SimulationReport, the outputs of evaluation
//   - Error, the error taxonomy every layer reports through
//
// Types here carry no behaviour beyond validation and small constructors. Matching
// logic lives in the detect package, HTTP concerns in the api package.
package core
