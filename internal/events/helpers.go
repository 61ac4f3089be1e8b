package events

import (
	"encoding/json"
	"fmt"
)

// SetRunOutcomeData sets the Data field with RunOutcomeData in a type-safe way.
func (e *SessionEvent) SetRunOutcomeData(data RunOutcomeData) error {
	dataMap, err := structToMap(data)
	if err != nil {
		return fmt.Errorf("failed to convert RunOutcomeData: %w", err)
	}
	e.Data = dataMap
	return nil
}

// GetRunOutcomeData retrieves RunOutcomeData from the Data field.
func (e *SessionEvent) GetRunOutcomeData() (*RunOutcomeData, error) {
	var data RunOutcomeData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse RunOutcomeData: %w", err)
	}
	return &data, nil
}

// SetStatusChangeData sets the Data field with StatusChangeData in a type-safe way.
func (e *SessionEvent) SetStatusChangeData(data StatusChangeData) error {
	dataMap, err := structToMap(data)
	if err != nil {
		return fmt.Errorf("failed to convert StatusChangeData: %w", err)
	}
	e.Data = dataMap
	return nil
}

// GetStatusChangeData retrieves StatusChangeData from the Data field.
func (e *SessionEvent) GetStatusChangeData() (*StatusChangeData, error) {
	var data StatusChangeData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse StatusChangeData: %w", err)
	}
	return &data, nil
}

// structToMap converts a struct to map[string]interface{} using JSON marshaling.
func structToMap(data interface{}) (map[string]interface{}, error) {
	bytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(bytes, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// mapToStruct converts a map[string]interface{} to a struct using JSON unmarshaling.
func mapToStruct(dataMap map[string]interface{}, target interface{}) error {
	bytes, err := json.Marshal(dataMap)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, target)
}
