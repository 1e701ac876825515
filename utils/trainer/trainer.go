// Package trainer 调用训练旁路服务。训练是异步的：先提交任务，再轮询任务状态。
package trainer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"signglove/config"
	"signglove/log"
	"signglove/model"
	"signglove/utils"
)

// StartRequest 提交训练任务
type StartRequest struct {
	Dataset string `json:"dataset,omitempty"`
}

// StartResponse 训练服务接受任务后的响应
type StartResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status,omitempty"`
}

// JobResponse 任务状态
type JobResponse struct {
	JobID    string  `json:"job_id"`
	Status   string  `json:"status"` // queued|running|success|failure
	ModelRef string  `json:"model_ref,omitempty"`
	Accuracy float64 `json:"accuracy,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Client 训练服务客户端
type Client struct {
	baseURL  string
	http     *http.Client
	interval time.Duration
}

// New 创建训练服务客户端
func New(cfg config.TrainerConfig) *Client {
	poll := cfg.PollInterval.D()
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		http:     utils.NewHTTPClient(cfg.Timeout.D()),
		interval: poll,
	}
}

// TrainAsync 提交训练任务，返回的句柄在任务结束或ctx结束时解析
func (c *Client) TrainAsync(ctx context.Context, datasetRef string) (*model.TrainingJob, error) {
	var start StartResponse
	if err := utils.PostJSON(ctx, c.http, c.baseURL+"/training", StartRequest{Dataset: datasetRef}, &start); err != nil {
		return nil, fmt.Errorf("提交训练任务失败: %w", err)
	}

	job := model.NewTrainingJob(start.JobID)
	// 没有任务ID的旧版服务同步完成训练
	if start.JobID == "" {
		job.Resolve(resultFrom(JobResponse{Status: orSuccess(start.Status)}))
		return job, nil
	}

	log.Infof("训练任务已提交: %s", start.JobID)
	go c.watch(ctx, job)
	return job, nil
}

func (c *Client) watch(ctx context.Context, job *model.TrainingJob) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	u := c.baseURL + "/training/" + url.PathEscape(job.ID)
	for {
		select {
		case <-ctx.Done():
			job.Resolve(model.TrainingResult{Status: model.JobFailure, Error: ctx.Err().Error()})
			return
		case <-ticker.C:
		}

		var st JobResponse
		if err := utils.GetJSON(ctx, c.http, u, &st); err != nil {
			// 轮询失败不代表训练失败，下一轮再试
			log.Warnf("查询训练任务 %s 失败: %v", job.ID, err)
			continue
		}
		switch st.Status {
		case "success", "failure":
			job.Resolve(resultFrom(st))
			return
		default:
			log.Debugf("训练任务 %s 状态: %s", job.ID, st.Status)
		}
	}
}

func orSuccess(s string) string {
	if s == "" {
		return "success"
	}
	return s
}

func resultFrom(st JobResponse) model.TrainingResult {
	r := model.TrainingResult{ModelRef: st.ModelRef, Accuracy: st.Accuracy, Error: st.Error}
	if st.Status == "success" {
		r.Status = model.JobSuccess
	} else {
		r.Status = model.JobFailure
	}
	return r
}
