// Package models provides data model definitions for the fieldmap backend.
package models

import (
	"fmt"
	"strings"
	"time"
)

// SyncState describes where a plant record is in the upload lifecycle.
type SyncState string

const (
	SyncStatePending    SyncState = "pending"
	SyncStateExtracting SyncState = "extracting"
	SyncStateSynced     SyncState = "synced"
	SyncStateError      SyncState = "error"
)

// IsValid reports whether s is a known sync state.
func (s SyncState) IsValid() bool {
	switch s {
	case SyncStatePending, SyncStateExtracting, SyncStateSynced, SyncStateError:
		return true
	}
	return false
}

// HealthState is the crop health annotation chosen by the user or the AI analysis.
type HealthState string

const (
	HealthHealthy     HealthState = "healthy"
	HealthPest        HealthState = "pest"
	HealthDisease     HealthState = "disease"
	HealthWaterStress HealthState = "water-stress"
)

// ParseHealthState validates a health state string. Empty input yields an empty state.
func ParseHealthState(s string) (HealthState, error) {
	h := HealthState(strings.ToLower(strings.TrimSpace(s)))
	switch h {
	case "", HealthHealthy, HealthPest, HealthDisease, HealthWaterStress:
		return h, nil
	}
	return "", fmt.Errorf("unknown health state %q", s)
}

// Annotations are client-side fields the server does not persist.
// They never influence sync decisions.
type Annotations struct {
	HealthState  HealthState `json:"healthState,omitempty"`
	DetectedCrop string      `json:"detectedCrop,omitempty"`
	Diagnosis    string      `json:"diagnosis,omitempty"`
	Confidence   float64     `json:"confidence,omitempty"`
}

// IsZero reports whether no annotation is set.
func (a Annotations) IsZero() bool {
	return a == Annotations{}
}

// Coordinates is a latitude/longitude pair in degrees.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// PlantRecord represents one geotagged plant observation.
type PlantRecord struct {
	ID            string    `json:"id"`
	ProvisionalID string    `json:"tempId,omitempty"`
	UserKey       string    `json:"emailId,omitempty"`
	ImageName     string    `json:"imageName"`
	ImageURL      string    `json:"imageUrl"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	SyncState     SyncState `json:"syncStatus"`
	LastError     string    `json:"lastError,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`

	Annotations
}

// Coordinates returns the record position.
func (p *PlantRecord) Coordinates() Coordinates {
	return Coordinates{Latitude: p.Latitude, Longitude: p.Longitude}
}

// IsConfirmed reports whether the server has acknowledged this record.
func (p *PlantRecord) IsConfirmed() bool {
	return p.SyncState == SyncStateSynced
}

// LocalImageURL is the placeholder image reference used before upload.
func LocalImageURL(imageName string) string {
	return "local://" + imageName
}
