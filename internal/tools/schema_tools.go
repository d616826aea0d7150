package tools

import (
	"context"
)

func registerSchemaTools(r *Registry, store ChefStore) {
	r.Register(&Tool{
		Name: "add_column",
		Description: "Add a column to the chefs table when a fact has no field to live in. " +
			"Name it with the custom_ prefix so update_chef_record can write it. Adding an existing column is a no-op.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"column_name": map[string]any{"type": "string", "description": "Letters, digits and underscores, e.g. custom_michelin_stars."},
				"column_type": map[string]any{"type": "string", "description": "SQL type. Default: TEXT."},
			},
			"required": []string{"column_name"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			name, err := stringArg(args, "column_name", true)
			if err != nil {
				return "", err
			}
			typ, err := stringArg(args, "column_type", false)
			if err != nil {
				return "", err
			}
			created, err := store.AddColumn(ctx, name, typ)
			if err != nil {
				return "", err
			}
			status := "created"
			if !created {
				status = "exists"
			}
			return marshal(map[string]any{"status": status, "column": name}), nil
		},
		Mutates: true,
	})

	r.Register(&Tool{
		Name:        "remove_column",
		Description: "Drop a column from the chefs table. id and name cannot be removed. Removing a missing column is a no-op.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"column_name": map[string]any{"type": "string"},
			},
			"required": []string{"column_name"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			name, err := stringArg(args, "column_name", true)
			if err != nil {
				return "", err
			}
			removed, err := store.RemoveColumn(ctx, name)
			if err != nil {
				return "", err
			}
			status := "removed"
			if !removed {
				status = "absent"
			}
			return marshal(map[string]any{"status": status, "column": name}), nil
		},
		Mutates: true,
	})
}
