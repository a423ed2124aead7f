package middleware

import (
	"context"

	"github.com/imattdu/xrayagent/cctx"
	"github.com/imattdu/xrayagent/entity"
	"github.com/imattdu/xrayagent/tracex"
)

// DB 被调用数据库的描述，写进 subsegment 的 sql 块
type DB struct {
	Name            string
	Host            string
	URL             string
	User            string
	DatabaseType    string
	DatabaseVersion string
	DriverVersion   string
}

func (d DB) subsegmentName() string {
	switch {
	case d.Name != "" && d.Host != "":
		return d.Name + "@" + d.Host
	case d.Host != "":
		return d.Host
	case d.Name != "":
		return d.Name
	default:
		return "database"
	}
}

const sqlDepthKey = "xray.sql.depth"

// TraceQuery 给一次查询开 remote subsegment 后执行 fn。
// 驱动内部再次经过 TraceQuery（嵌套调用）时不重复开子节点；
// 查询文本只在 collectSqlQueries 打开时记录
func TraceQuery(ctx context.Context, rec *tracex.Recorder, db DB, query string, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if depth, _ := cctx.GetAs[int](ctx, sqlDepthKey); depth > 0 || rec.Current(ctx) == nil {
		return fn(cctx.With(ctx, sqlDepthKey, depth+1))
	}

	sctx, sub := rec.BeginSubsegment(ctx, db.subsegmentName(), tracex.WithNamespace(entity.NamespaceRemote))
	if sub == nil {
		return fn(ctx)
	}
	putSQL(sub, db)
	if rec.Config().CollectSQLQueries && query != "" {
		_ = sub.PutSQL("sanitized_query", query)
	}

	err := fn(cctx.With(sctx, sqlDepthKey, 1))
	if err != nil {
		_ = sub.SetFault()
		rec.RecordError(sub, err)
	}
	rec.EndSubsegment(sctx, sub)
	return err
}

func putSQL(sub *entity.Entity, db DB) {
	for k, v := range map[string]string{
		"url":              db.URL,
		"user":             db.User,
		"database_type":    db.DatabaseType,
		"database_version": db.DatabaseVersion,
		"driver_version":   db.DriverVersion,
	} {
		if v != "" {
			_ = sub.PutSQL(k, v)
		}
	}
}
