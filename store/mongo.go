package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"signglove/config"
	"signglove/log"
	"signglove/model"
)

const (
	collSamples     = "sensor_data"
	collPredictions = "predictions"
	collState       = "autotrain_state"
	collTriggers    = "training_triggers"

	stateDocID = "autotrain"
)

type stateDoc struct {
	ID        string    `bson:"_id"`
	Watermark int       `bson:"last_training_sample_count"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// Mongo 基于MongoDB的存储
type Mongo struct {
	client  *mongo.Client
	db      *mongo.Database
	timeout time.Duration

	writes *triggerQueue
}

// OpenMongo 连接MongoDB并创建索引
func OpenMongo(ctx context.Context, cfg config.StoreConfig) (*Mongo, error) {
	timeout := cfg.Timeout.D()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("连接MongoDB失败: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("MongoDB不可用: %w", err)
	}

	m := &Mongo{
		client:  client,
		db:      client.Database(cfg.Database),
		timeout: timeout,
	}
	if err := m.ensureIndexes(cctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	m.writes = newTriggerQueue(64, m.saveTrigger)

	log.Infof("已连接MongoDB: %s", cfg.Database)
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.db.Collection(collSamples).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "source", Value: 1}}},
		{Keys: bson.D{{Key: "label", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("创建样本索引失败: %w", err)
	}
	_, err = m.db.Collection(collPredictions).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "timestamp", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("创建预测索引失败: %w", err)
	}
	_, err = m.db.Collection(collTriggers).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "trigger_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("创建触发器索引失败: %w", err)
	}
	return nil
}

func (m *Mongo) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

func (m *Mongo) AppendSample(ctx context.Context, frame model.SensorFrame, label string) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	_, err := m.db.Collection(collSamples).InsertOne(ctx, newSample(frame, label))
	return err
}

// AccumulatedCount 统计自动采集的样本数，人工采集的数据不计入
func (m *Mongo) AccumulatedCount(ctx context.Context) (int, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	n, err := m.db.Collection(collSamples).CountDocuments(ctx, bson.M{"source": SourceAuto})
	return int(n), err
}

func (m *Mongo) LastTrainingWatermark(ctx context.Context) (int, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var doc stateDoc
	err := m.db.Collection(collState).FindOne(ctx, bson.M{"_id": stateDocID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.Watermark, nil
}

func (m *Mongo) SetLastTrainingWatermark(ctx context.Context, count int) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	_, err := m.db.Collection(collState).UpdateOne(ctx,
		bson.M{"_id": stateDocID},
		bson.M{"$set": bson.M{"last_training_sample_count": count, "updated_at": time.Now().UTC()}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (m *Mongo) RecordPrediction(ctx context.Context, frame model.SensorFrame, ev model.PredictionEvent) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	_, err := m.db.Collection(collPredictions).InsertOne(ctx, newPredictionRecord(frame, ev))
	return err
}

func (m *Mongo) RecentPredictions(ctx context.Context, limit int) ([]PredictionRecord, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := m.db.Collection(collPredictions).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	var out []PredictionRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NotifyTrigger 交给写协程按顺序保存，队列满时丢弃并记录日志
func (m *Mongo) NotifyTrigger(t model.TrainingTrigger) {
	m.writes.enqueue(t)
}

func (m *Mongo) saveTrigger(t model.TrainingTrigger) {
	ctx, cancel := m.withTimeout(context.Background())
	defer cancel()
	_, err := m.db.Collection(collTriggers).ReplaceOne(ctx,
		bson.M{"trigger_id": t.ID}, t, options.Replace().SetUpsert(true))
	if err != nil {
		log.Errorf("保存触发器 #%d 失败: %v", t.ID, err)
	}
}

func (m *Mongo) LastTriggerID(ctx context.Context) (int64, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var t model.TrainingTrigger
	err := m.db.Collection(collTriggers).FindOne(ctx, bson.M{},
		options.FindOne().SetSort(bson.D{{Key: "trigger_id", Value: -1}})).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return t.ID, nil
}

// Close 等写协程保存完队列中剩余的触发器后断开连接
func (m *Mongo) Close(ctx context.Context) error {
	if err := m.writes.close(ctx); err != nil {
		log.Warnf("等待触发器写入超时，部分状态可能未保存: %v", err)
	}
	return m.client.Disconnect(ctx)
}

// triggerQueue 由单个协程按入队顺序保存触发器
type triggerQueue struct {
	ch      chan model.TrainingTrigger
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	save    func(model.TrainingTrigger)
}

func newTriggerQueue(size int, save func(model.TrainingTrigger)) *triggerQueue {
	q := &triggerQueue{
		ch:      make(chan model.TrainingTrigger, size),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		save:    save,
	}
	go q.run()
	return q
}

func (q *triggerQueue) enqueue(t model.TrainingTrigger) {
	select {
	case <-q.done:
		return
	default:
	}
	select {
	case q.ch <- t:
	default:
		log.Warnf("触发器写入队列已满，丢弃 #%d(%s)", t.ID, t.Status)
	}
}

func (q *triggerQueue) run() {
	defer close(q.stopped)
	for {
		select {
		case t := <-q.ch:
			q.save(t)
		case <-q.done:
			// 只有本协程写库，排空后退出
			for {
				select {
				case t := <-q.ch:
					q.save(t)
				default:
					return
				}
			}
		}
	}
}

// close 停止接收并等待剩余触发器写完
func (q *triggerQueue) close(ctx context.Context) error {
	q.once.Do(func() { close(q.done) })
	select {
	case <-q.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
