package db

import (
	"context"
)

const getPluginData = `-- name: GetPluginData :one
select value from plugin_data
where plugin = ? and key = ?
`

type GetPluginDataParams struct {
	Plugin string
	Key    string
}

func (q *Queries) GetPluginData(ctx context.Context, arg GetPluginDataParams) (string, error) {
	row := q.db.QueryRowContext(ctx, getPluginData, arg.Plugin, arg.Key)
	var value string
	err := row.Scan(&value)
	return value, err
}

const setPluginData = `-- name: SetPluginData :exec
insert into plugin_data(plugin, key, value, updated_at)
values (?, ?, ?, ?)
on conflict (plugin, key) do update set
    value = excluded.value,
    updated_at = excluded.updated_at
`

type SetPluginDataParams struct {
	Plugin    string
	Key       string
	Value     string
	UpdatedAt int64
}

func (q *Queries) SetPluginData(ctx context.Context, arg SetPluginDataParams) error {
	_, err := q.db.ExecContext(ctx, setPluginData,
		arg.Plugin,
		arg.Key,
		arg.Value,
		arg.UpdatedAt,
	)
	return err
}

const deletePluginData = `-- name: DeletePluginData :exec
delete from plugin_data
where plugin = ? and key = ?
`

type DeletePluginDataParams struct {
	Plugin string
	Key    string
}

func (q *Queries) DeletePluginData(ctx context.Context, arg DeletePluginDataParams) error {
	_, err := q.db.ExecContext(ctx, deletePluginData, arg.Plugin, arg.Key)
	return err
}

const createPluginRun = `-- name: CreatePluginRun :exec
insert into plugin_run(plugin, trigger, started_at, finished_at, error)
values (?, ?, ?, ?, ?)
`

type CreatePluginRunParams struct {
	Plugin     string
	Trigger    string
	StartedAt  int64
	FinishedAt int64
	Error      string
}

func (q *Queries) CreatePluginRun(ctx context.Context, arg CreatePluginRunParams) error {
	_, err := q.db.ExecContext(ctx, createPluginRun,
		arg.Plugin,
		arg.Trigger,
		arg.StartedAt,
		arg.FinishedAt,
		arg.Error,
	)
	return err
}

const listPluginRuns = `-- name: ListPluginRuns :many
select id, plugin, trigger, started_at, finished_at, error from plugin_run
where plugin = ?
order by started_at desc, id desc
limit ?
`

type ListPluginRunsParams struct {
	Plugin string
	Limit  int64
}

type PluginRun struct {
	ID         int64
	Plugin     string
	Trigger    string
	StartedAt  int64
	FinishedAt int64
	Error      string
}

func (q *Queries) ListPluginRuns(ctx context.Context, arg ListPluginRunsParams) ([]PluginRun, error) {
	rows, err := q.db.QueryContext(ctx, listPluginRuns, arg.Plugin, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []PluginRun
	for rows.Next() {
		var i PluginRun
		if err := rows.Scan(
			&i.ID,
			&i.Plugin,
			&i.Trigger,
			&i.StartedAt,
			&i.FinishedAt,
			&i.Error,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
