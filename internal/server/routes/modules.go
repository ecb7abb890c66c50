package routes

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/modhub/internal/cache"
	"github.com/any-hub/modhub/internal/engine"
	"github.com/any-hub/modhub/internal/module"
)

// RegisterModuleRoutes 暴露 /-/ 诊断接口，供 SRE 查询模块状态、依赖图并触发加载。
func RegisterModuleRoutes(app *fiber.App, eng *engine.Engine) {
	if app == nil || eng == nil {
		return
	}

	app.Get("/-/modules", func(c fiber.Ctx) error {
		refs := eng.Registry().List()
		return c.JSON(fiber.Map{
			"modules": encodeModules(refs, eng.Loader().Cached),
			"count":   len(refs),
		})
	})

	app.Get("/-/modules/:id", func(c fiber.Ctx) error {
		id, ok := moduleID(c)
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "module_id_required"})
		}
		ref, found := eng.Registry().ModuleInfo(id)
		if !found {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "module_not_found"})
		}
		return c.JSON(encodeModule(ref, eng.Loader().Cached(id)))
	})

	app.Get("/-/graph", func(c fiber.Ctx) error {
		graph := eng.Registry().DependencyGraph()
		payload := make(map[string][]string, len(graph))
		for id, deps := range graph {
			payload[id] = module.SortedSet(deps)
		}
		return c.JSON(fiber.Map{"graph": payload})
	})

	app.Get("/-/tree/:id", func(c fiber.Ctx) error {
		id, ok := moduleID(c)
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "module_id_required"})
		}
		return c.JSON(eng.Tree(id))
	})

	app.Post("/-/modules/:id/load", func(c fiber.Ctx) error {
		id, ok := moduleID(c)
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "module_id_required"})
		}
		if _, err := eng.Load(requestContext(c), id); err != nil {
			return renderLoadError(c, id, err)
		}
		ref, _ := eng.Registry().ModuleInfo(id)
		return c.JSON(fiber.Map{
			"id":     id,
			"state":  ref.State,
			"cached": eng.Loader().Cached(id),
		})
	})

	app.Post("/-/modules/:id/preload", func(c fiber.Ctx) error {
		id, ok := moduleID(c)
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "module_id_required"})
		}
		// 请求结束后上下文会被回收，预加载使用独立的后台上下文。
		eng.Preload(context.Background(), id)
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"id": id, "status": "scheduled"})
	})

	app.Delete("/-/cache", func(c fiber.Ctx) error {
		eng.ClearCache()
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Get("/-/specifiers/*", func(c fiber.Ctx) error {
		specifier, err := url.PathUnescape(strings.Clone(c.Params("*")))
		if err != nil || strings.TrimSpace(specifier) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "specifier_required"})
		}
		if _, err := eng.LoadSpecifier(requestContext(c), specifier); err != nil {
			return renderLoadError(c, specifier, err)
		}
		meta, _ := eng.Cache().Metadata(specifier)
		return c.JSON(encodeSpecifier(meta, eng.Cache().Has(specifier)))
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(eng.Metrics().Handler()))
}

type modulePayload struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Entry           string            `json:"entry"`
	State           module.State      `json:"state"`
	Declared        map[string]string `json:"declared_dependencies,omitempty"`
	DevDependencies map[string]string `json:"dev_dependencies,omitempty"`
	Permissions     []string          `json:"permissions,omitempty"`
	Dependencies    []string          `json:"dependencies"`
	Dependents      []string          `json:"dependents"`
	Cached          bool              `json:"cached"`
	Error           string            `json:"error,omitempty"`
}

type specifierPayload struct {
	cache.Metadata
	Cached bool `json:"cached"`
}

func encodeModules(refs []module.Ref, cached func(string) bool) []modulePayload {
	result := make([]modulePayload, 0, len(refs))
	for _, ref := range refs {
		result = append(result, encodeModule(ref, cached(ref.ID())))
	}
	return result
}

func encodeModule(ref module.Ref, cached bool) modulePayload {
	payload := modulePayload{
		ID:              ref.ID(),
		Name:            ref.Config.Name,
		Version:         ref.Config.Version,
		Entry:           ref.Config.Entry,
		State:           ref.State,
		Declared:        ref.Config.Dependencies,
		DevDependencies: ref.Config.DevDependencies,
		Permissions:     ref.Config.Permissions,
		Dependencies:    ref.SortedDependencies(),
		Dependents:      ref.SortedDependents(),
		Cached:          cached,
	}
	if ref.Err != nil {
		payload.Error = ref.Err.Error()
	}
	return payload
}

func encodeSpecifier(meta cache.Metadata, cached bool) specifierPayload {
	if meta.Dependencies == nil {
		meta.Dependencies = []string{}
	}
	return specifierPayload{Metadata: meta, Cached: cached}
}

func renderLoadError(c fiber.Ctx, key string, err error) error {
	status := fiber.StatusBadGateway
	code := "load_failed"
	switch {
	case module.IsNotFound(err):
		status, code = fiber.StatusNotFound, "module_not_found"
	case errors.Is(err, module.ErrDependencyCycle):
		status, code = fiber.StatusConflict, "dependency_cycle"
	case errors.Is(err, engine.ErrClosed):
		status, code = fiber.StatusServiceUnavailable, "engine_closed"
	}
	return c.Status(status).JSON(fiber.Map{
		"error":   code,
		"id":      key,
		"message": err.Error(),
	})
}

func moduleID(c fiber.Ctx) (string, bool) {
	raw, err := url.PathUnescape(strings.Clone(c.Params("id")))
	if err != nil {
		return "", false
	}
	id := strings.TrimSpace(raw)
	return id, id != ""
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
