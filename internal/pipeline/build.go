package pipeline

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/tarungka/reflow/internal/connectors"
	"github.com/tarungka/reflow/internal/dag"
	"github.com/tarungka/reflow/internal/expression"
	"github.com/tarungka/reflow/internal/logger"
	"github.com/tarungka/reflow/internal/operators"
	"github.com/tarungka/reflow/internal/sinks"
	"github.com/tarungka/reflow/internal/types"
)

// Pipeline is a fully assembled graph plus the handles the status server
// needs.
type Pipeline struct {
	Dag      *dag.Dag
	LogSinks map[string]*sinks.LogSink
	log      zerolog.Logger
}

// Build resolves the configuration into a validated, schema-typed DAG.
func Build(ctx context.Context, cfg Config) (*Pipeline, error) {
	log := logger.GetLogger("pipeline")

	conns := make(map[string]connectors.Connector, len(cfg.Connections))
	for _, cc := range cfg.Connections {
		conn, err := createConnector(cc.Type, cc.Config)
		if err != nil {
			return nil, err
		}
		if err := conn.ValidateConnection(ctx); err != nil {
			return nil, fmt.Errorf("%w: connection %q: %v", connectors.ErrConnection, cc.Name, err)
		}
		conns[cc.Name] = conn
	}

	sourcesByName := make(map[string]SourceConfig, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		sourcesByName[sc.Name] = sc
	}

	builder := dag.NewBuilder()
	logSinks := make(map[string]*sinks.LogSink)

	// A source node is added once even when several endpoints consume it.
	added := make(map[string]bool)
	addSource := func(sc SourceConfig) error {
		if added[sc.Name] {
			return nil
		}
		conn := conns[sc.Connection]
		tables, err := conn.ListColumns(ctx, []connectors.TableIdentifier{{Name: sc.Table}})
		if err != nil {
			return fmt.Errorf("pipeline: source %q: %w", sc.Name, err)
		}
		if len(tables) != 1 {
			return fmt.Errorf("pipeline: source %q: table %q not found", sc.Name, sc.Table)
		}
		builder.AddSource(sc.Name, &connectors.SourceAdapter{Connector: conn, Table: tables[0]})
		added[sc.Name] = true
		return nil
	}

	for _, ep := range cfg.Endpoints {
		sc, ok := sourcesByName[ep.Source]
		if !ok {
			return nil, fmt.Errorf("pipeline: endpoint %q references unknown source %q", ep.Name, ep.Source)
		}
		if err := addSource(sc); err != nil {
			return nil, err
		}

		upstream := sc.Name
		upstreamPort := dag.DefaultPort

		if ep.Filter != nil {
			id := ep.Name + "-filter"
			builder.AddProcessor(id, &operators.SelectionFactory{Predicate: filterPredicate(*ep.Filter)})
			builder.Connect(upstream, upstreamPort, id, dag.DefaultPort)
			upstream, upstreamPort = id, dag.DefaultPort
		}

		columns := ep.Columns
		if len(columns) == 0 {
			columns = sc.Columns
		}
		if len(columns) > 0 {
			id := ep.Name + "-project"
			exprs := make([]operators.ExprBuilder, len(columns))
			for i, col := range columns {
				exprs[i] = operators.ColumnRef(col)
			}
			builder.AddProcessor(id, &operators.ProjectionFactory{Names: columns, Exprs: exprs})
			builder.Connect(upstream, upstreamPort, id, dag.DefaultPort)
			upstream, upstreamPort = id, dag.DefaultPort
		}

		sinkFactory, err := createSink(ep.Sink.Type, ep.Name, cfg.Scheduler.LogDir, ep.Sink.Config)
		if err != nil {
			return nil, err
		}
		if ls, ok := sinkFactory.(*sinks.LogSink); ok {
			logSinks[ep.Name] = ls
		}
		builder.AddSink(ep.Name, sinkFactory)
		builder.Connect(upstream, upstreamPort, ep.Name, dag.DefaultPort)
	}

	d, err := builder.Build()
	if err != nil {
		return nil, err
	}
	log.Info().Int("nodes", len(d.Nodes())).Int("endpoints", len(cfg.Endpoints)).Msg("pipeline built")
	return &Pipeline{Dag: d, LogSinks: logSinks, log: log}, nil
}

// filterPredicate turns the structured filter config into an expression
// builder: column <op> literal. The literal is parsed as the column type for
// int, uint, float and boolean columns; any other column gets a string literal.
func filterPredicate(fc FilterConfig) operators.ExprBuilder {
	return func(schema types.Schema) (expression.Expression, error) {
		col, err := expression.NewColumnByName(schema, fc.Column)
		if err != nil {
			return nil, err
		}
		lit, err := parseLiteral(fc.Value, col.ResultType())
		if err != nil {
			return nil, err
		}
		var op expression.BinaryOp
		switch fc.Op {
		case "=":
			op = expression.OpEq
		case "!=":
			op = expression.OpNeq
		case "<":
			op = expression.OpLt
		case "<=":
			op = expression.OpLte
		case ">":
			op = expression.OpGt
		case ">=":
			op = expression.OpGte
		default:
			return nil, fmt.Errorf("pipeline: unknown filter operator %q", fc.Op)
		}
		return expression.NewBinary(op, col, expression.NewLiteral(lit))
	}
}

func parseLiteral(raw string, typ types.FieldType) (types.Field, error) {
	switch typ {
	case types.TypeInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return types.Field{}, fmt.Errorf("pipeline: filter literal %q is not an int", raw)
		}
		return types.NewInt(n), nil
	case types.TypeUInt:
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return types.Field{}, fmt.Errorf("pipeline: filter literal %q is not a uint", raw)
		}
		return types.NewUInt(n), nil
	case types.TypeFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return types.Field{}, fmt.Errorf("pipeline: filter literal %q is not a float", raw)
		}
		return types.NewFloat(f), nil
	case types.TypeBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return types.Field{}, fmt.Errorf("pipeline: filter literal %q is not a bool", raw)
		}
		return types.NewBoolean(b), nil
	default:
		return types.NewString(raw), nil
	}
}
