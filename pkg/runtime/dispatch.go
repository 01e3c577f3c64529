package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mailharbor/mailharbor/pkg/download"
	"github.com/mailharbor/mailharbor/pkg/log"
	"github.com/mailharbor/mailharbor/pkg/store"
	msync "github.com/mailharbor/mailharbor/pkg/sync"
	"github.com/mailharbor/mailharbor/pkg/token"
	"github.com/mailharbor/mailharbor/pkg/types"
)

// TaskExecutor dispatches on task type. All per-type behavior lives here;
// the pool stays generic.
type TaskExecutor struct {
	store      *store.Store
	tokens     *token.Manager
	engine     *msync.Engine
	downloader *download.Downloader
	clientFor  msync.ClientFunc
	logger     zerolog.Logger
}

// NewTaskExecutor wires the task bodies to their collaborators.
func NewTaskExecutor(st *store.Store, tokens *token.Manager, engine *msync.Engine, dl *download.Downloader, clientFor msync.ClientFunc) *TaskExecutor {
	return &TaskExecutor{
		store:      st,
		tokens:     tokens,
		engine:     engine,
		downloader: dl,
		clientFor:  clientFor,
		logger:     log.WithComponent("dispatch"),
	}
}

// Execute runs one task body. Returned errors transition the task to
// failure; the runtime owns all other state handling.
func (e *TaskExecutor) Execute(ctx context.Context, task *Task, progress func(message string)) (string, error) {
	switch task.Type {
	case types.TaskTypeLogin:
		return e.executeLogin(ctx, task, progress)
	case types.TaskTypeSync:
		return e.executeSync(ctx, task, progress)
	case types.TaskTypeSyncFolders:
		return e.executeSyncFolders(ctx, task)
	case types.TaskTypeDownload:
		return e.executeDownload(ctx, task, progress)
	case types.TaskTypeSend:
		return e.executeSend(ctx, task)
	default:
		return "", fmt.Errorf("unknown task type %q", task.Type)
	}
}

// executeLogin walks the group's aliases through the automation flow. One
// valid token serves the whole group, so the loop stops at the first success.
func (e *TaskExecutor) executeLogin(ctx context.Context, task *Task, progress func(string)) (string, error) {
	accounts, err := e.store.ListGroupAccounts(ctx, task.GroupID)
	if err != nil {
		return "", err
	}
	if len(accounts) == 0 {
		return "", fmt.Errorf("group %s has no accounts", task.GroupID)
	}

	// A still-valid token makes the login a no-op.
	if _, err := e.tokens.AccessToken(ctx, task.GroupID); err == nil {
		return "token already valid", nil
	}

	recEmails, err := e.store.RecoveryEmails(ctx, task.GroupID)
	if err != nil {
		return "", err
	}
	recPhones, err := e.store.RecoveryPhones(ctx, task.GroupID)
	if err != nil {
		return "", err
	}

	var lastReason string
	for _, account := range accounts {
		if ctx.Err() != nil {
			return "", types.ErrCancelled
		}
		progress("logging in " + account.Email)

		creds := token.Credentials{
			Email:    account.Email,
			Password: account.Password,
		}
		if len(recEmails) > 0 {
			creds.RecoveryEmail = recEmails[0]
		}
		if len(recPhones) > 0 {
			creds.RecoveryPhone = recPhones[0]
		}

		res, err := e.tokens.AcquireByAutomation(ctx, task.GroupID, creds)
		if err != nil {
			return "", err
		}
		if res.OK {
			if err := e.store.UpdateAccountStatus(ctx, account.ID, types.AccountStatusSuccess); err != nil {
				e.logger.Error().Err(err).Int64("account_id", account.ID).
					Msg("Failed to record login success")
			}

			if task.Payload.AutoSync {
				progress("login ok, starting sync")
				if _, err := e.engine.SyncFolders(ctx, task.GroupID); err != nil {
					return "", fmt.Errorf("post-login folder sync failed: %w", err)
				}
				if _, err := e.engine.SyncGroup(ctx, task.GroupID, msync.StrategyAuto, progressAdapter(progress)); err != nil {
					return "", fmt.Errorf("post-login sync failed: %w", err)
				}
			}
			return "login ok: " + account.Email, nil
		}

		lastReason = res.Reason
		status := types.AccountStatusFailure
		if res.Reason == "password rejected" {
			status = types.AccountStatusPasswordError
		}
		if err := e.store.UpdateAccountStatus(ctx, account.ID, status); err != nil {
			e.logger.Error().Err(err).Int64("account_id", account.ID).
				Msg("Failed to record login failure")
		}
	}

	return "", fmt.Errorf("login failed for all aliases: %s", lastReason)
}

// executeSync runs one sync round. A group that never discovered its folder
// tree gets the discovery pass first.
func (e *TaskExecutor) executeSync(ctx context.Context, task *Task, progress func(string)) (string, error) {
	folders, err := e.store.ListFolders(ctx, task.GroupID)
	if err != nil {
		return "", err
	}
	if len(folders) == 0 {
		progress("discovering folder tree")
		if _, err := e.engine.SyncFolders(ctx, task.GroupID); err != nil {
			return "", err
		}
	}

	result, err := e.engine.SyncGroup(ctx, task.GroupID, task.Payload.Strategy, progressAdapter(progress))
	if err != nil {
		return "", err
	}
	if !result.Success {
		// Partial failure: peers continued, counts are in the result. The
		// task still fails so the operator sees the folder errors.
		raw, _ := json.Marshal(result)
		return "", fmt.Errorf("sync finished with errors: %s", raw)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (e *TaskExecutor) executeSyncFolders(ctx context.Context, task *Task) (string, error) {
	count, err := e.engine.SyncFolders(ctx, task.GroupID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("synced %d folders", count), nil
}

func (e *TaskExecutor) executeDownload(ctx context.Context, task *Task, progress func(string)) (string, error) {
	result, err := e.downloader.Run(ctx, task.Payload.MessageIDs, func(done, total int) {
		progress(fmt.Sprintf("downloaded %d/%d", done, total))
	})
	if err != nil {
		return "", err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (e *TaskExecutor) executeSend(ctx context.Context, task *Task) (string, error) {
	if task.Payload.Send == nil {
		return "", errors.New("send task has no message")
	}
	client := e.clientFor(task.GroupID)
	if err := client.SendMail(ctx, *task.Payload.Send); err != nil {
		return "", err
	}
	return "mail sent", nil
}

// progressAdapter narrows a runtime progress callback to the engine's shape.
func progressAdapter(progress func(string)) msync.ProgressFunc {
	return func(_, message string) {
		progress(message)
	}
}

var _ Dispatcher = (*TaskExecutor)(nil)
