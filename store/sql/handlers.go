package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

func entitlementHandlers() repository.ModelHandlers[*entitlementRecord] {
	return repository.ModelHandlers[*entitlementRecord]{
		NewRecord: func() *entitlementRecord {
			return &entitlementRecord{}
		},
		GetID: func(record *entitlementRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *entitlementRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "token"
		},
		GetIdentifierValue: func(record *entitlementRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.Token)
		},
	}
}

func catalogHandlers() repository.ModelHandlers[*catalogRecord] {
	return repository.ModelHandlers[*catalogRecord]{
		NewRecord: func() *catalogRecord {
			return &catalogRecord{}
		},
		GetID: func(record *catalogRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *catalogRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *catalogRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
