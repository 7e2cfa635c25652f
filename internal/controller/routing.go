package controller

import (
	"context"
	"fmt"
	"sort"

	"sdn-guard/internal/group"
	"sdn-guard/internal/model"
)

// Route is an installed destination route on one switch
type Route struct {
	SwitchID uint64          `json:"switch_id"`
	DstIP    string          `json:"dst_ip"`
	Mode     string          `json:"mode"`
	GroupID  uint32          `json:"group_id,omitempty"`
	Port     uint32          `json:"port,omitempty"`
	Flow     model.FlowEntry `json:"flow"`
}

const (
	RouteMultipath = "multipath"
	RouteFailover  = "failover"
)

func routeKey(dstIP string) string {
	return "route:" + dstIP
}

func (c *Controller) checkRoute(switchID uint64, dstIP string) (string, error) {
	if _, ok := c.switches.Get(switchID); !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownSwitch, switchID)
	}
	if model.IsWildcard(dstIP) {
		return "", &model.ValidationError{Field: "dst_ip", Reason: "required"}
	}
	prefix, err := model.ParseAddrOrPrefix(dstIP)
	if err != nil {
		return "", &model.ValidationError{Field: "dst_ip", Reason: err.Error()}
	}
	if prefix.IsSingleIP() {
		return prefix.Addr().String(), nil
	}
	return prefix.String(), nil
}

// SetMultipath spreads traffic to dstIP over the viable candidate ports.
// A single viable port yields a direct output route without a group.
func (c *Controller) SetMultipath(ctx context.Context, switchID uint64, dstIP string, candidates []group.Candidate) (Route, error) {
	dst, err := c.checkRoute(switchID, dstIP)
	if err != nil {
		return Route{}, err
	}

	decision, err := c.groups.SetMultipath(ctx, switchID, routeKey(dst), candidates)
	if err != nil {
		return Route{}, err
	}

	route := Route{
		SwitchID: switchID,
		DstIP:    dst,
		Mode:     RouteMultipath,
		GroupID:  decision.GroupID,
		Port:     decision.Port,
	}
	return c.installRoute(ctx, route, decision.Actions())
}

// SetFailover routes dstIP to primary, falling back to backups in order
// when the watched port goes down
func (c *Controller) SetFailover(ctx context.Context, switchID uint64, dstIP string, primary uint32, backups []uint32) (Route, error) {
	dst, err := c.checkRoute(switchID, dstIP)
	if err != nil {
		return Route{}, err
	}

	groupID, err := c.groups.SetFailover(ctx, switchID, routeKey(dst), primary, backups)
	if err != nil {
		return Route{}, err
	}

	route := Route{
		SwitchID: switchID,
		DstIP:    dst,
		Mode:     RouteFailover,
		GroupID:  groupID,
		Port:     primary,
	}
	return c.installRoute(ctx, route, []model.Action{model.GroupAction(groupID)})
}

func (c *Controller) installRoute(ctx context.Context, route Route, actions []model.Action) (Route, error) {
	route.Flow = model.FlowEntry{
		Priority: c.cfg.RoutePriority,
		Match: model.Match{
			EthType: model.EthTypeIPv4,
			IPv4Dst: route.DstIP,
		},
		Actions: actions,
	}

	// an add with identical match and priority replaces the previous route
	if err := c.installer.InstallFlow(ctx, route.SwitchID, route.Flow); err != nil {
		return Route{}, fmt.Errorf("install route to %s on switch %d: %w", route.DstIP, route.SwitchID, err)
	}

	c.routesMu.Lock()
	if c.routes[route.SwitchID] == nil {
		c.routes[route.SwitchID] = make(map[string]Route)
	}
	c.routes[route.SwitchID][route.DstIP] = route
	c.routesMu.Unlock()

	c.logger.Infof("[Controller] Route to %s on switch %d via %s (group %d, port %d)", route.DstIP, route.SwitchID, route.Mode, route.GroupID, route.Port)
	return route, nil
}

// RemoveRoute deletes the route flow and any group behind it
func (c *Controller) RemoveRoute(ctx context.Context, switchID uint64, dstIP string) error {
	dst, err := c.checkRoute(switchID, dstIP)
	if err != nil {
		return err
	}

	c.routesMu.Lock()
	route, ok := c.routes[switchID][dst]
	if ok {
		delete(c.routes[switchID], dst)
	}
	c.routesMu.Unlock()
	if !ok {
		return fmt.Errorf("route to %s on switch %d: %w", dst, switchID, ErrUnknownRoute)
	}

	if err := c.installer.RemoveFlow(ctx, switchID, route.Flow); err != nil {
		return fmt.Errorf("remove route to %s on switch %d: %w", dst, switchID, err)
	}
	c.groups.Remove(ctx, switchID, routeKey(dst))
	return nil
}

// Routes lists the routes installed on a switch ordered by destination
func (c *Controller) Routes(switchID uint64) []Route {
	c.routesMu.RLock()
	defer c.routesMu.RUnlock()

	routes := make([]Route, 0, len(c.routes[switchID]))
	for _, r := range c.routes[switchID] {
		routes = append(routes, r)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].DstIP < routes[j].DstIP })
	return routes
}
