package oauth

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kbukum/authkit/errors"
	"github.com/kbukum/authkit/orm"
)

type linkInput struct {
	ProviderID     string
	ProviderUserID string
	Profile        Profile
	Tokens         *TokenResponse

	// TokenSecret is the OAuth 1.0a token secret; empty for 2.0.
	TokenSecret string

	// SubjectType and SubjectID are set when an existing subject is
	// linking; empty means login, which reuses or mints a subject.
	SubjectType string
	SubjectID   string
}

type linkedConnection struct {
	ID             string
	SubjectType    string
	SubjectID      string
	SubjectCreated bool
}

// linkConnection deduplicates on (provider_id, provider_user_id): one
// provider identity maps to exactly one connection. A provider identity
// already owned by a different subject is a conflict, never a silent
// re-link.
func (s *Service) linkConnection(ctx context.Context, in linkInput) (*linkedConnection, error) {
	existing, err := s.db.FindFirst(ctx, connectionsTable, orm.Query{
		Where: orm.Where{
			orm.Eq("provider_id", in.ProviderID),
			orm.Eq("provider_user_id", in.ProviderUserID),
		},
	})
	if err != nil {
		return nil, dbErr(err)
	}

	if existing != nil {
		ownerType := existing.String("subject_type")
		ownerID := existing.String("subject_id")
		if in.SubjectType != "" && in.SubjectID != "" &&
			(ownerType != in.SubjectType || ownerID != in.SubjectID) {
			return nil, flowErr(StatusConflict, "this provider account is already linked to another subject")
		}

		set, _, err := s.connectionColumns(in)
		if err != nil {
			return nil, err
		}
		set["updated_at"] = s.now().UTC()
		if _, err := s.db.UpdateMany(ctx, connectionsTable, orm.Where{orm.Eq("id", existing.String("id"))}, set); err != nil {
			return nil, dbErr(err)
		}
		return &linkedConnection{
			ID:          existing.String("id"),
			SubjectType: ownerType,
			SubjectID:   ownerID,
		}, nil
	}

	subjectType, subjectID := in.SubjectType, in.SubjectID
	created := false
	if subjectType == "" || subjectID == "" {
		subjectType = "user"
		subjectID = uuid.NewString()
		now := s.now().UTC()
		if _, err := s.db.Create(ctx, subjectsTable, orm.Row{
			"id":         subjectID,
			"type":       subjectType,
			"email":      in.Profile.Email,
			"name":       in.Profile.Name,
			"avatar":     in.Profile.Avatar,
			"created_at": now,
			"updated_at": now,
		}); err != nil {
			return nil, dbErr(err)
		}
		created = true
	}

	row, _, err := s.connectionColumns(in)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	row["id"] = uuid.NewString()
	row["provider_id"] = in.ProviderID
	row["provider_user_id"] = in.ProviderUserID
	row["subject_type"] = subjectType
	row["subject_id"] = subjectID
	row["created_at"] = now
	row["updated_at"] = now

	inserted, err := s.db.Create(ctx, connectionsTable, row)
	if err != nil {
		// Lost a race on the unique pair: the winner's connection stands.
		if errors.IsCode(err, errors.ErrCodeAlreadyExists) {
			return s.linkConnection(ctx, in)
		}
		return nil, dbErr(err)
	}
	return &linkedConnection{
		ID:             inserted.String("id"),
		SubjectType:    subjectType,
		SubjectID:      subjectID,
		SubjectCreated: created,
	}, nil
}

// connectionColumns builds the token and profile columns shared by
// connection inserts and updates.
func (s *Service) connectionColumns(in linkInput) (orm.Row, time.Time, error) {
	set, expiresAt, err := s.tokenColumns(in.Tokens)
	if err != nil {
		return nil, time.Time{}, err
	}
	if in.TokenSecret != "" {
		secret, err := s.encrypt(in.TokenSecret)
		if err != nil {
			return nil, time.Time{}, err
		}
		set["token_secret"] = secret
	}
	if profile, err := json.Marshal(in.Profile); err == nil {
		set["profile"] = string(profile)
	}
	return set, expiresAt, nil
}

// Connection is the sanitized view of a stored connection. Tokens stay
// out: they are at-rest secrets, not API data.
type Connection struct {
	ID             string    `json:"id"`
	ProviderID     string    `json:"provider_id"`
	ProviderUserID string    `json:"provider_user_id"`
	Profile        Profile   `json:"profile"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ListConnections returns a subject's connections, newest first.
func (s *Service) ListConnections(ctx context.Context, subjectType, subjectID string) ([]Connection, error) {
	rows, err := s.db.FindMany(ctx, connectionsTable, orm.Query{
		Where: orm.Where{
			orm.Eq("subject_type", subjectType),
			orm.Eq("subject_id", subjectID),
		},
		OrderBy: "created_at",
		Desc:    true,
	})
	if err != nil {
		return nil, dbErr(err)
	}

	out := make([]Connection, 0, len(rows))
	for _, row := range rows {
		c := Connection{
			ID:             row.String("id"),
			ProviderID:     row.String("provider_id"),
			ProviderUserID: row.String("provider_user_id"),
			CreatedAt:      row.Time("created_at"),
			UpdatedAt:      row.Time("updated_at"),
		}
		if raw := row.String("profile"); raw != "" {
			_ = json.Unmarshal([]byte(raw), &c.Profile)
		}
		out = append(out, c)
	}
	return out, nil
}

// UnlinkConnection removes a connection owned by the given subject.
// Unlinking someone else's connection is a conflict; unlinking an
// unknown one is not found.
func (s *Service) UnlinkConnection(ctx context.Context, connectionID, subjectType, subjectID string) error {
	row, err := s.db.FindFirst(ctx, connectionsTable, orm.Query{
		Where: orm.Where{orm.Eq("id", connectionID)},
	})
	if err != nil {
		return dbErr(err)
	}
	if row == nil {
		return flowErr(StatusConnectionNotFound, "no such connection")
	}
	if row.String("subject_type") != subjectType || row.String("subject_id") != subjectID {
		return flowErr(StatusConflict, "connection belongs to another subject")
	}

	if _, err := s.db.DeleteMany(ctx, connectionsTable, orm.Where{orm.Eq("id", connectionID)}); err != nil {
		return dbErr(err)
	}
	return nil
}

// AccessToken decrypts and returns a connection's current access token,
// for hosts that call provider APIs on the subject's behalf.
func (s *Service) AccessToken(ctx context.Context, connectionID string) (string, error) {
	row, err := s.db.FindFirst(ctx, connectionsTable, orm.Query{
		Where: orm.Where{orm.Eq("id", connectionID)},
	})
	if err != nil {
		return "", dbErr(err)
	}
	if row == nil {
		return "", errors.NotFound("connection", connectionID)
	}
	return s.decrypt(row.String("access_token"))
}
