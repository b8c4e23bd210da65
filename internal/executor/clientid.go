package executor

import (
	"fmt"
	"strings"

	"hedge-grid-bot-go/internal/models"

	"github.com/jxskiss/base62"
)

// 客户端订单ID编码了(方向, 角色, 纪元, 层级, 代数)，断流重连后
// 执行器靠它认领交易所侧的订单。代数在每次撤单重挂时递增，用于
// 拒绝过期订单的重复回执；角色区分同一层级的开仓单与止盈单。
//
// 格式: HG<L|S><O|C><epoch>-<level>-<generation>，数字段为base62。

const clientIDPrefix = "HG"

// OrderRole 标识一张订单在层级生命周期中的角色。
type OrderRole byte

const (
	RoleOpen  OrderRole = 'O'
	RoleClose OrderRole = 'C'
)

// MakeClientID 生成一张订单的客户端ID。
func MakeClientID(dir models.Direction, role OrderRole, epoch int64, levelID, generation int) string {
	side := "L"
	if dir == models.DirectionShort {
		side = "S"
	}
	return fmt.Sprintf("%s%s%c%s-%s-%s",
		clientIDPrefix, side, role,
		base62.FormatInt(epoch),
		base62.FormatInt(int64(levelID)),
		base62.FormatInt(int64(generation)))
}

// ParseClientID 解析客户端ID。非本策略生成的ID返回ok=false。
func ParseClientID(id string) (dir models.Direction, role OrderRole, epoch int64, levelID, generation int, ok bool) {
	if !strings.HasPrefix(id, clientIDPrefix) || len(id) < len(clientIDPrefix)+3 {
		return 0, 0, 0, 0, 0, false
	}
	switch id[len(clientIDPrefix)] {
	case 'L':
		dir = models.DirectionLong
	case 'S':
		dir = models.DirectionShort
	default:
		return 0, 0, 0, 0, 0, false
	}
	switch id[len(clientIDPrefix)+1] {
	case 'O':
		role = RoleOpen
	case 'C':
		role = RoleClose
	default:
		return 0, 0, 0, 0, 0, false
	}

	parts := strings.Split(id[len(clientIDPrefix)+2:], "-")
	if len(parts) != 3 {
		return 0, 0, 0, 0, 0, false
	}
	e, err1 := base62.ParseInt([]byte(parts[0]))
	l, err2 := base62.ParseInt([]byte(parts[1]))
	g, err3 := base62.ParseInt([]byte(parts[2]))
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, 0, 0, false
	}
	return dir, role, e, int(l), int(g), true
}
