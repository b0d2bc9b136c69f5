package spreadsheet

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
)

const (
	payloadRevisionIDKey = "revisionId"
	payloadCommentsKey   = "comments"
	payloadSheetsKey     = "sheets"
	emptyCommentsSection = "{}"
)

var threadCommandTypes = map[string]struct{}{
	"ADD_COMMENT_THREAD":    {},
	"EDIT_COMMENT_THREAD":   {},
	"DELETE_COMMENT_THREAD": {},
}

func isEmptyPayload(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func decodeObject(raw []byte) (map[string]json.RawMessage, error) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(raw, &object); err != nil {
		return nil, fmt.Errorf("%w: expected a JSON object: %v", ErrInvalidPayload, err)
	}
	if object == nil {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrInvalidPayload)
	}
	return object, nil
}

// normalizePayload returns nil for an empty payload and validates objects.
func normalizePayload(raw []byte) (datatypes.JSON, error) {
	if isEmptyPayload(raw) {
		return nil, nil
	}
	if _, err := decodeObject(raw); err != nil {
		return nil, err
	}
	return datatypes.JSON(bytes.TrimSpace(raw)), nil
}

// payloadRevisionID returns the revisionId embedded in a snapshot or base payload.
func payloadRevisionID(raw []byte) (string, bool, error) {
	if isEmptyPayload(raw) {
		return "", false, nil
	}
	object, err := decodeObject(raw)
	if err != nil {
		return "", false, err
	}
	value, present := object[payloadRevisionIDKey]
	if !present {
		return "", false, nil
	}
	var revisionID string
	if err := json.Unmarshal(value, &revisionID); err != nil {
		return "", false, fmt.Errorf("%w: %s must be a string", ErrInvalidPayload, payloadRevisionIDKey)
	}
	return revisionID, revisionID != "", nil
}

func withRevisionID(raw []byte, revisionID string) (datatypes.JSON, error) {
	object, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	encodedID, err := json.Marshal(revisionID)
	if err != nil {
		return nil, err
	}
	object[payloadRevisionIDKey] = encodedID
	encoded, err := json.Marshal(object)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

// initialRevision derives the current revision of a document from its payloads.
func initialRevision(baseData, snapshot []byte) (string, error) {
	if !isEmptyPayload(snapshot) {
		revisionID, present, err := payloadRevisionID(snapshot)
		if err != nil {
			return "", err
		}
		if !present {
			return "", fmt.Errorf("%w: snapshot without %s", ErrInvalidPayload, payloadRevisionIDKey)
		}
		return revisionID, nil
	}
	if isEmptyPayload(baseData) {
		return EmptyDocumentRevision, nil
	}
	revisionID, present, err := payloadRevisionID(baseData)
	if err != nil {
		return "", err
	}
	if !present {
		return StartRevision, nil
	}
	return revisionID, nil
}

// chainRoot is the revision the active chain must lead back to.
func chainRoot(document Document) (string, error) {
	return initialRevision(document.BaseData, document.Snapshot)
}

// scrubPayload clears the top-level and per-sheet comment sections of a
// spreadsheet payload. It returns the number of cleared comment entries.
func scrubPayload(raw []byte) (datatypes.JSON, int, error) {
	if isEmptyPayload(raw) {
		return nil, 0, nil
	}
	object, err := decodeObject(raw)
	if err != nil {
		return nil, 0, err
	}

	scrubbed := clearComments(object)
	if sheetsRaw, present := object[payloadSheetsKey]; present {
		var sheets []json.RawMessage
		if err := json.Unmarshal(sheetsRaw, &sheets); err != nil {
			return nil, 0, fmt.Errorf("%w: %s must be a list", ErrInvalidPayload, payloadSheetsKey)
		}
		for index, sheetRaw := range sheets {
			sheet, err := decodeObject(sheetRaw)
			if err != nil {
				return nil, 0, err
			}
			cleared := clearComments(sheet)
			if cleared == 0 {
				continue
			}
			scrubbed += cleared
			encodedSheet, err := json.Marshal(sheet)
			if err != nil {
				return nil, 0, err
			}
			sheets[index] = encodedSheet
		}
		encodedSheets, err := json.Marshal(sheets)
		if err != nil {
			return nil, 0, err
		}
		object[payloadSheetsKey] = encodedSheets
	}

	encoded, err := json.Marshal(object)
	if err != nil {
		return nil, 0, err
	}
	return datatypes.JSON(encoded), scrubbed, nil
}

// clearComments resets object's comments section to an empty mapping.
func clearComments(object map[string]json.RawMessage) int {
	section, present := object[payloadCommentsKey]
	if !present {
		return 0
	}
	object[payloadCommentsKey] = json.RawMessage(emptyCommentsSection)
	return countEntries(section)
}

func countEntries(section json.RawMessage) int {
	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(section, &asObject); err == nil {
		return len(asObject)
	}
	var asList []json.RawMessage
	if err := json.Unmarshal(section, &asList); err == nil {
		count := 0
		for _, item := range asList {
			count += countEntries(item)
		}
		return count
	}
	if isEmptyPayload(section) {
		return 0
	}
	return 1
}

// scrubCommands drops comment-thread commands from a command batch and
// returns how many were dropped.
func scrubCommands(raw []byte) (datatypes.JSON, int, error) {
	if isEmptyPayload(raw) {
		return datatypes.JSON(emptyCommandBatch), 0, nil
	}
	var commands []json.RawMessage
	if err := json.Unmarshal(raw, &commands); err != nil {
		return nil, 0, fmt.Errorf("%w: commands must be a list: %v", ErrInvalidPayload, err)
	}
	kept := make([]json.RawMessage, 0, len(commands))
	for _, command := range commands {
		var header struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(command, &header); err == nil {
			if _, thread := threadCommandTypes[header.Type]; thread {
				continue
			}
		}
		kept = append(kept, command)
	}
	encoded, err := json.Marshal(kept)
	if err != nil {
		return nil, 0, err
	}
	return datatypes.JSON(encoded), len(commands) - len(kept), nil
}
