package db

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const DBConnKey contextKey = "db_conn"

// SchemaMiddleware pins each request to one pooled connection whose
// search_path points at schema. Repositories pick it up with
// ConnFromContext.
func SchemaMiddleware(pool *pgxpool.Pool, schema string) (echo.MiddlewareFunc, error) {
	if !ValidSchema(schema) {
		return nil, fmt.Errorf("invalid schema name %q", schema)
	}
	setPath := fmt.Sprintf("SET search_path TO %s, public", schema)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			if _, err := conn.Exec(ctx, setPath); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "schema resolution failed")
			}

			c.SetRequest(c.Request().WithContext(WithConn(ctx, conn)))
			return next(c)
		}
	}, nil
}

func WithConn(ctx context.Context, conn *pgxpool.Conn) context.Context {
	return context.WithValue(ctx, DBConnKey, conn)
}

// ConnFromContext retrieves the request-scoped database connection, or nil.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}
