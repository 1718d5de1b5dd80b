// Package audit 消費轉帳事件並寫入 MongoDB 的稽核集合（audit_logs）。
// 每則訊息以 AMQP message id 作為文件 _id，重送的訊息不會產生重複文件。
package audit

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// CollectionName 為稽核集合名稱。
const CollectionName = "audit_logs"

// Log 為稽核文件。金額以字串保存以維持十進位精度。
type Log struct {
	ID                   string    `bson:"_id"`
	EventType            string    `bson:"event_type"`
	TransactionID        int64     `bson:"transaction_id,omitempty"`
	SourceAccountID      int64     `bson:"source_account_id"`
	DestinationAccountID int64     `bson:"destination_account_id"`
	Amount               string    `bson:"amount"`
	Status               string    `bson:"status"`
	State                string    `bson:"state,omitempty"`
	Reason               string    `bson:"reason,omitempty"`
	OccurredAt           time.Time `bson:"occurred_at"`
	ProcessedAt          time.Time `bson:"processed_at"`
}

// Saver 寫入一筆稽核文件。
type Saver interface {
	Save(ctx context.Context, l Log) error
}

// Repository 以 MongoDB 實作 Saver。
type Repository struct {
	collection *mongo.Collection
	now        func() time.Time
}

var _ Saver = (*Repository)(nil)

// NewRepository 取得 dbName 下的 audit_logs 集合。
func NewRepository(client *mongo.Client, dbName string) *Repository {
	return &Repository{
		collection: client.Database(dbName).Collection(CollectionName),
		now:        time.Now,
	}
}

// Save 寫入文件；_id 重複（同一訊息被重送）視為成功。
func (r *Repository) Save(ctx context.Context, l Log) error {
	l.ProcessedAt = r.now().UTC()
	if _, err := r.collection.InsertOne(ctx, l); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("insert audit log %s: %w", l.ID, err)
	}
	return nil
}
