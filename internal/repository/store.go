// Package repository implements the single-table store for all wellness
// entities. Every mutating operation that matters for correctness is a
// conditional write; the optimistic version counter on Session and Reminder
// is the only mutual-exclusion primitive in the system.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/parseltonguedev/EquilibriumLife/internal/domain"
	"github.com/parseltonguedev/EquilibriumLife/internal/keys"
)

// dedupeTTL must stay shorter than Telegram's webhook retry abandonment
// window so a lost acknowledgment can still be redelivered after the
// marker expires.
const dedupeTTL = 12 * time.Hour

// ErrNotFound is returned by point reads when no item exists.
var ErrNotFound = errors.New("repository: item not found")

// ErrConcurrentModification reports a version-conditioned write that lost
// a race. Callers must re-read and retry, never blindly overwrite.
var ErrConcurrentModification = errors.New("repository: concurrent modification")

// ErrDuplicateEvent reports a dedupe insert for an update id that was
// already recorded.
var ErrDuplicateEvent = errors.New("repository: duplicate event")

// dynamodbAPI is the minimal DynamoDB interface required by Store.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store wraps the wellness DynamoDB table.
type Store struct {
	api       dynamodbAPI
	tableName string
}

// New creates a Store over the given table.
func New(api dynamodbAPI, tableName string) (*Store, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Store{api: api, tableName: tableName}, nil
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

// GetSession reads the user's live session with strong consistency.
func (s *Store) GetSession(ctx context.Context, userID string) (domain.Session, error) {
	var sess domain.Session
	if err := s.getItem(ctx, userID, keys.Session, true, &sess); err != nil {
		return domain.Session{}, fmt.Errorf("repository: GetSession: %w", err)
	}
	return sess, nil
}

// PutSession writes the session conditioned on the version it was read at.
// Version 0 means the session must not exist yet.
func (s *Store) PutSession(ctx context.Context, sess domain.Session) error {
	sess.SK = keys.Session
	if err := s.putVersioned(ctx, sess.Version, func(v int64) (map[string]types.AttributeValue, error) {
		sess.Version = v
		return attributevalue.MarshalMap(sess)
	}); err != nil {
		return fmt.Errorf("repository: PutSession: %w", err)
	}
	return nil
}

// SaveExchange persists one completed conversation exchange atomically:
// the user turn, the assistant turn, the optional wellness entry, and the
// version-conditioned session. Either every item lands or none does, so a
// losing invocation can retry the full cycle without leaving orphans.
func (s *Store) SaveExchange(ctx context.Context, userTurn, assistantTurn domain.Turn, entry *domain.Entry, sess domain.Session) error {
	sess.SK = keys.Session
	expected := sess.Version
	sess.Version = expected + 1

	sessItem, err := attributevalue.MarshalMap(sess)
	if err != nil {
		return fmt.Errorf("repository: SaveExchange marshal session: %w", err)
	}

	items := make([]types.TransactWriteItem, 0, 4)
	for _, turn := range []domain.Turn{userTurn, assistantTurn} {
		turnItem, err := attributevalue.MarshalMap(turn)
		if err != nil {
			return fmt.Errorf("repository: SaveExchange marshal turn: %w", err)
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(s.tableName),
				Item:      turnItem,
				// Sequence numbers are never reused; a collision means
				// another invocation won the race.
				ConditionExpression: aws.String("attribute_not_exists(userId)"),
			},
		})
	}
	if entry != nil {
		entryItem, err := attributevalue.MarshalMap(*entry)
		if err != nil {
			return fmt.Errorf("repository: SaveExchange marshal entry: %w", err)
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{TableName: aws.String(s.tableName), Item: entryItem},
		})
	}

	sessPut := &types.Put{
		TableName: aws.String(s.tableName),
		Item:      sessItem,
	}
	if expected == 0 {
		sessPut.ConditionExpression = aws.String("attribute_not_exists(userId)")
	} else {
		sessPut.ConditionExpression = aws.String("version = :v")
		sessPut.ExpressionAttributeValues = map[string]types.AttributeValue{
			":v": numberAttr(expected),
		}
	}
	items = append(items, types.TransactWriteItem{Put: sessPut})

	_, err = s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if isConditionFailure(err) {
			return fmt.Errorf("repository: SaveExchange: %w", ErrConcurrentModification)
		}
		return fmt.Errorf("repository: SaveExchange: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit of the newest turns in chronological order.
func (s *Store) RecentTurns(ctx context.Context, userID string, limit int) ([]domain.Turn, error) {
	out, err := s.queryPrefix(ctx, userID, keys.TurnPrefix, limit, false)
	if err != nil {
		return nil, fmt.Errorf("repository: RecentTurns: %w", err)
	}
	turns := make([]domain.Turn, 0, len(out))
	for _, item := range out {
		var t domain.Turn
		if err := attributevalue.UnmarshalMap(item, &t); err != nil {
			return nil, fmt.Errorf("repository: RecentTurns unmarshal: %w", err)
		}
		turns = append(turns, t)
	}
	// Reverse to chronological order before prompt assembly.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// ---------------------------------------------------------------------------
// Wellness entries
// ---------------------------------------------------------------------------

// PutEntry writes a single wellness entry outside a conversation exchange.
func (s *Store) PutEntry(ctx context.Context, e domain.Entry) error {
	item, err := attributevalue.MarshalMap(e)
	if err != nil {
		return fmt.Errorf("repository: PutEntry marshal: %w", err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: PutEntry: %w", err)
	}
	return nil
}

// EntriesSince returns entries logged at or after since, oldest first.
func (s *Store) EntriesSince(ctx context.Context, userID string, since time.Time, limit int) ([]domain.Entry, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("userId = :uid AND sk BETWEEN :from AND :to"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid":  &types.AttributeValueMemberS{Value: userID},
			":from": &types.AttributeValueMemberS{Value: keys.Entry(since)},
			// "ENTRY$" is the immediate successor of the "ENTRY#"
			// prefix, so it upper-bounds every encoded entry key.
			":to": &types.AttributeValueMemberS{Value: strings.TrimSuffix(keys.EntryPrefix, "#") + "$"},
		},
		Limit: aws.Int32(int32(limit)),
	}
	out, err := s.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: EntriesSince: %w", err)
	}
	return unmarshalEntries(out.Items)
}

func unmarshalEntries(items []map[string]types.AttributeValue) ([]domain.Entry, error) {
	entries := make([]domain.Entry, 0, len(items))
	for _, item := range items {
		var e domain.Entry
		if err := attributevalue.UnmarshalMap(item, &e); err != nil {
			return nil, fmt.Errorf("repository: unmarshal entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ---------------------------------------------------------------------------
// Profile
// ---------------------------------------------------------------------------

// GetProfile reads the user profile with strong consistency.
func (s *Store) GetProfile(ctx context.Context, userID string) (domain.User, error) {
	var u domain.User
	if err := s.getItem(ctx, userID, keys.Profile, true, &u); err != nil {
		return domain.User{}, fmt.Errorf("repository: GetProfile: %w", err)
	}
	return u, nil
}

// PutProfile writes or replaces the user profile.
func (s *Store) PutProfile(ctx context.Context, u domain.User) error {
	u.SK = keys.Profile
	item, err := attributevalue.MarshalMap(u)
	if err != nil {
		return fmt.Errorf("repository: PutProfile marshal: %w", err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: PutProfile: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Reminders
// ---------------------------------------------------------------------------

// GetReminder reads the user's reminder schedule with strong consistency.
func (s *Store) GetReminder(ctx context.Context, userID string) (domain.Reminder, error) {
	var r domain.Reminder
	if err := s.getItem(ctx, userID, keys.Reminder, true, &r); err != nil {
		return domain.Reminder{}, fmt.Errorf("repository: GetReminder: %w", err)
	}
	return r, nil
}

// PutReminder writes the reminder conditioned on the version it was read
// at. Version 0 means the reminder must not exist yet.
func (s *Store) PutReminder(ctx context.Context, r domain.Reminder) error {
	r.SK = keys.Reminder
	if err := s.putVersioned(ctx, r.Version, func(v int64) (map[string]types.AttributeValue, error) {
		r.Version = v
		return attributevalue.MarshalMap(r)
	}); err != nil {
		return fmt.Errorf("repository: PutReminder: %w", err)
	}
	return nil
}

// EnabledReminders scans every enabled reminder across all users. The
// scheduler fires twice a day, so a filtered scan is acceptable here.
func (s *Store) EnabledReminders(ctx context.Context) ([]domain.Reminder, error) {
	var (
		reminders []domain.Reminder
		startKey  map[string]types.AttributeValue
	)
	for {
		out, err := s.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.tableName),
			FilterExpression: aws.String("sk = :sk AND enabled = :on"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":sk": &types.AttributeValueMemberS{Value: keys.Reminder},
				":on": &types.AttributeValueMemberBOOL{Value: true},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: EnabledReminders: %w", err)
		}
		for _, item := range out.Items {
			var r domain.Reminder
			if err := attributevalue.UnmarshalMap(item, &r); err != nil {
				return nil, fmt.Errorf("repository: EnabledReminders unmarshal: %w", err)
			}
			reminders = append(reminders, r)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return reminders, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// AdvanceDelivery marks a reminder occurrence delivered. The update is
// conditioned on the reminder's version and on the new timestamp moving
// forward, so a concurrent scheduler invocation that already advanced it
// fails with ErrConcurrentModification instead of double-marking.
func (s *Store) AdvanceDelivery(ctx context.Context, r domain.Reminder, occurrence time.Time) error {
	ts := occurrence.UTC().Format(time.RFC3339)
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key:       itemKey(r.UserID, keys.Reminder),
		UpdateExpression: aws.String("SET lastDelivered = :ts, version = :next"),
		ConditionExpression: aws.String(
			"version = :v AND (attribute_not_exists(lastDelivered) OR lastDelivered < :ts)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ts":   &types.AttributeValueMemberS{Value: ts},
			":v":    numberAttr(r.Version),
			":next": numberAttr(r.Version + 1),
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return fmt.Errorf("repository: AdvanceDelivery: %w", ErrConcurrentModification)
		}
		return fmt.Errorf("repository: AdvanceDelivery: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Webhook dedupe
// ---------------------------------------------------------------------------

// InsertDedupe records an inbound update id. ErrDuplicateEvent means the
// update was already processed or is currently in flight.
func (s *Store) InsertDedupe(ctx context.Context, userID string, updateID int64, now time.Time) error {
	rec := domain.DedupeRecord{
		UserID:    userID,
		SK:        keys.Event(updateID),
		CreatedAt: now.UTC().Format(time.RFC3339),
		TTL:       now.Add(dedupeTTL).Unix(),
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("repository: InsertDedupe marshal: %w", err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(userId)"),
	})
	if err != nil {
		if isConditionFailure(err) {
			return fmt.Errorf("repository: InsertDedupe: %w", ErrDuplicateEvent)
		}
		return fmt.Errorf("repository: InsertDedupe: %w", err)
	}
	return nil
}

// DeleteDedupe removes a dedupe marker so the platform's retry can
// reprocess an update whose handling failed transiently.
func (s *Store) DeleteDedupe(ctx context.Context, userID string, updateID int64) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       itemKey(userID, keys.Event(updateID)),
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteDedupe: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (s *Store) getItem(ctx context.Context, userID, sk string, consistent bool, out any) error {
	res, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            itemKey(userID, sk),
		ConsistentRead: aws.Bool(consistent),
	})
	if err != nil {
		return err
	}
	if res == nil || len(res.Item) == 0 {
		return ErrNotFound
	}
	if err := attributevalue.UnmarshalMap(res.Item, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", sk, err)
	}
	return nil
}

func (s *Store) queryPrefix(ctx context.Context, userID, prefix string, limit int, ascending bool) ([]map[string]types.AttributeValue, error) {
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("userId = :uid AND begins_with(sk, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid":    &types.AttributeValueMemberS{Value: userID},
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
		ScanIndexForward: aws.Bool(ascending),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, err
	}
	return out.Items, nil
}

// putVersioned writes an item at expected+1 conditioned on the stored
// version still matching expected (or absence for expected == 0).
func (s *Store) putVersioned(ctx context.Context, expected int64, marshal func(next int64) (map[string]types.AttributeValue, error)) error {
	item, err := marshal(expected + 1)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	in := &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}
	if expected == 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(userId)")
	} else {
		in.ConditionExpression = aws.String("version = :v")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{":v": numberAttr(expected)}
	}
	if _, err := s.api.PutItem(ctx, in); err != nil {
		if isConditionFailure(err) {
			return ErrConcurrentModification
		}
		return err
	}
	return nil
}

func itemKey(userID, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"userId": &types.AttributeValueMemberS{Value: userID},
		"sk":     &types.AttributeValueMemberS{Value: sk},
	}
}

func numberAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", n)}
}

// isConditionFailure recognizes both a direct conditional-check failure
// and one surfaced through a cancelled transaction.
func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tc *types.TransactionCanceledException
	if errors.As(err, &tc) {
		for _, reason := range tc.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}
