package pg

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"wadesk/internal/domain"
	"wadesk/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const uniqueViolation = "23505"

// mapInsertErr turns a unique-constraint violation into the sentinel the
// dispatch core branches on; everything else is wrapped as a conflict so the
// original cause stays visible in logs.
func mapInsertErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch {
		case strings.Contains(pgErr.ConstraintName, "external_id"):
			return store.ErrDuplicateExternalID
		case strings.Contains(pgErr.ConstraintName, "open_ticket"):
			return store.ErrOpenTicketExists
		default:
			return domain.Conflict("unique constraint violation: "+pgErr.ConstraintName, err)
		}
	}
	return err
}

// --- tickets ---

const ticketColumns = `id, tenant_id, contact_id, COALESCE(agreement_id,''), channel, status, metadata, created_at, updated_at`

func scanTicket(row pgx.Row) (domain.Ticket, error) {
	var t domain.Ticket
	var metaJSON []byte
	err := row.Scan(&t.ID, &t.TenantID, &t.ContactID, &t.AgreementID, &t.Channel, &t.Status, &metaJSON, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.Ticket{}, err
	}
	_ = json.Unmarshal(metaJSON, &t.Metadata)
	return t, nil
}

func (s *Store) FindTicketByID(ctx context.Context, id string) (domain.Ticket, bool, error) {
	t, err := scanTicket(s.DB.QueryRow(ctx, `
		SELECT `+ticketColumns+` FROM tickets WHERE id=$1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Ticket{}, false, nil
		}
		return domain.Ticket{}, false, err
	}
	return t, true, nil
}

func (s *Store) FindOpenTicketByContact(ctx context.Context, tenantID, contactID string) (domain.Ticket, bool, error) {
	t, err := scanTicket(s.DB.QueryRow(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE tenant_id=$1 AND contact_id=$2 AND status IN ('OPEN','PENDING','ASSIGNED')
		ORDER BY created_at DESC LIMIT 1
	`, tenantID, contactID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Ticket{}, false, nil
		}
		return domain.Ticket{}, false, err
	}
	return t, true, nil
}

func (s *Store) CreateTicket(ctx context.Context, in store.TicketInsert) (domain.Ticket, error) {
	metaJSON, _ := json.Marshal(in.Metadata)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO tickets (id, tenant_id, contact_id, agreement_id, channel, status, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
	`, in.ID, in.TenantID, in.ContactID, nullIfEmpty(in.AgreementID), in.Channel, in.Status, metaJSON, in.Now)
	if err != nil {
		return domain.Ticket{}, mapInsertErr(err)
	}
	return domain.Ticket{
		ID:          in.ID,
		TenantID:    in.TenantID,
		ContactID:   in.ContactID,
		AgreementID: in.AgreementID,
		Channel:     in.Channel,
		Status:      in.Status,
		Metadata:    in.Metadata,
		CreatedAt:   in.Now,
		UpdatedAt:   in.Now,
	}, nil
}

// --- contacts ---

const contactColumns = `id, tenant_id, COALESCE(name,''), phone, created_at, updated_at`

func scanContact(row pgx.Row) (domain.Contact, error) {
	var c domain.Contact
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Phone, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (s *Store) FindContactByID(ctx context.Context, id string) (domain.Contact, bool, error) {
	c, err := scanContact(s.DB.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Contact{}, false, nil
		}
		return domain.Contact{}, false, err
	}
	return c, true, nil
}

func (s *Store) FindContactByPhone(ctx context.Context, tenantID, phone string) (domain.Contact, bool, error) {
	c, err := scanContact(s.DB.QueryRow(ctx, `
		SELECT `+contactColumns+` FROM contacts WHERE tenant_id=$1 AND phone=$2
	`, tenantID, phone))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Contact{}, false, nil
		}
		return domain.Contact{}, false, err
	}
	return c, true, nil
}

func (s *Store) CreateContact(ctx context.Context, in store.ContactInsert) (domain.Contact, error) {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO contacts (id, tenant_id, name, phone, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$5)
	`, in.ID, in.TenantID, nullIfEmpty(in.Name), in.Phone, in.Now)
	if err != nil {
		return domain.Contact{}, mapInsertErr(err)
	}
	return domain.Contact{
		ID: in.ID, TenantID: in.TenantID, Name: in.Name, Phone: in.Phone,
		CreatedAt: in.Now, UpdatedAt: in.Now,
	}, nil
}

func (s *Store) UpdateContactPhone(ctx context.Context, id, phone string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `UPDATE contacts SET phone=$2, updated_at=$3 WHERE id=$1`, id, phone, now)
	return err
}

// --- instances ---

func (s *Store) FindInstanceByID(ctx context.Context, id string) (domain.Instance, bool, error) {
	var i domain.Instance
	err := s.DB.QueryRow(ctx, `
		SELECT id, tenant_id, COALESCE(broker_id,''), COALESCE(name,'') FROM wa_instances WHERE id=$1
	`, id).Scan(&i.ID, &i.TenantID, &i.BrokerID, &i.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Instance{}, false, nil
		}
		return domain.Instance{}, false, err
	}
	return i, true, nil
}

// --- messages ---

const messageColumns = `id, ticket_id, tenant_id, COALESCE(contact_id,''), COALESCE(instance_id,''),
	direction, type, COALESCE(content,''), COALESCE(caption,''),
	COALESCE(media_url,''), COALESCE(media_mime_type,''), COALESCE(media_file_name,''),
	status, COALESCE(external_id,''), COALESCE(idempotency_key,''), metadata, created_at, updated_at`

func scanMessage(row pgx.Row) (domain.Message, error) {
	var m domain.Message
	var metaJSON []byte
	err := row.Scan(&m.ID, &m.TicketID, &m.TenantID, &m.ContactID, &m.InstanceID,
		&m.Direction, &m.Type, &m.Content, &m.Caption,
		&m.MediaURL, &m.MediaMimeType, &m.MediaFileName,
		&m.Status, &m.ExternalID, &m.IdempotencyKey, &metaJSON, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return domain.Message{}, err
	}
	_ = json.Unmarshal(metaJSON, &m.Metadata)
	return m, nil
}

func (s *Store) CreateMessage(ctx context.Context, in store.MessageInsert) (domain.Message, error) {
	metaJSON, _ := json.Marshal(in.Metadata)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO messages (id, ticket_id, tenant_id, contact_id, instance_id, direction, type,
			content, caption, media_url, media_mime_type, media_file_name,
			status, external_id, idempotency_key, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$17)
	`, in.ID, in.TicketID, in.TenantID, nullIfEmpty(in.ContactID), nullIfEmpty(in.InstanceID),
		in.Direction, in.Type,
		nullIfEmpty(in.Content), nullIfEmpty(in.Caption),
		nullIfEmpty(in.MediaURL), nullIfEmpty(in.MediaMimeType), nullIfEmpty(in.MediaFileName),
		in.Status, nullIfEmpty(in.ExternalID), nullIfEmpty(in.IdempotencyKey), metaJSON, in.Now)
	if err != nil {
		return domain.Message{}, mapInsertErr(err)
	}
	return domain.Message{
		ID: in.ID, TicketID: in.TicketID, TenantID: in.TenantID,
		ContactID: in.ContactID, InstanceID: in.InstanceID,
		Direction: in.Direction, Type: in.Type,
		Content: in.Content, Caption: in.Caption,
		MediaURL: in.MediaURL, MediaMimeType: in.MediaMimeType, MediaFileName: in.MediaFileName,
		Status: in.Status, ExternalID: in.ExternalID, IdempotencyKey: in.IdempotencyKey,
		Metadata: in.Metadata, CreatedAt: in.Now, UpdatedAt: in.Now,
	}, nil
}

func (s *Store) UpdateMessage(ctx context.Context, in store.MessageUpdate) (domain.Message, error) {
	metaJSON, _ := json.Marshal(in.Metadata)
	m, err := scanMessage(s.DB.QueryRow(ctx, `
		UPDATE messages
		SET status=$2, external_id=COALESCE($3, external_id), metadata=$4, updated_at=$5
		WHERE id=$1
		RETURNING `+messageColumns+`
	`, in.ID, in.Status, nullIfEmpty(in.ExternalID), metaJSON, in.Now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Message{}, domain.NotFound("message not found")
		}
		return domain.Message{}, mapInsertErr(err)
	}
	return m, nil
}

func (s *Store) FindMessageByExternalID(ctx context.Context, externalID string) (domain.Message, bool, error) {
	m, err := scanMessage(s.DB.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE external_id=$1
	`, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return m, true, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (domain.Message, bool, error) {
	m, err := scanMessage(s.DB.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE id=$1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return m, true, nil
}

func (s *Store) ListMessages(ctx context.Context, ticketID string, limit int) ([]domain.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.DB.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE ticket_id=$1 ORDER BY created_at DESC LIMIT $2
	`, ticketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMessageByExternalID applies an out-of-band broker acknowledgement.
// The AllowedFrom guard keeps a later status from being downgraded when
// callbacks arrive out of order.
func (s *Store) UpdateMessageByExternalID(ctx context.Context, in store.ExternalStatusUpdate) (domain.Message, bool, error) {
	from := make([]string, 0, len(in.AllowedFrom))
	for _, st := range in.AllowedFrom {
		from = append(from, string(st))
	}
	m, err := scanMessage(s.DB.QueryRow(ctx, `
		UPDATE messages
		SET status=$2,
		    metadata = COALESCE(metadata,'{}'::jsonb) || jsonb_build_object(
		        'broker', COALESCE(metadata->'broker','{}'::jsonb) || jsonb_build_object(
		            'ack', jsonb_strip_nulls(jsonb_build_object('status', $2::text, 'errorCode', NULLIF($3,''))))),
		    updated_at=$4
		WHERE external_id=$1 AND status = ANY($5)
		RETURNING `+messageColumns+`
	`, in.ExternalID, in.Status, in.ErrorCode, in.Now, from))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return m, true, nil
}

func (s *Store) InsertDeliveryEvent(ctx context.Context, in store.DeliveryEvent) error {
	payloadJSON, _ := json.Marshal(in.Payload)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO delivery_events (external_id, broker_status, error_code, payload_json, occurred_at)
		VALUES ($1,$2,$3,$4,$5)
	`, in.ExternalID, in.BrokerStatus, nullIfEmpty(in.ErrorCode), payloadJSON, in.OccurredAt)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
