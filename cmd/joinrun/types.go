package main

import (
	"fmt"
	"math/rand/v2"

	"github.com/govalues/decimal"

	"github.com/daviszhen/pipejoin/pkg/chunk"
	"github.com/daviszhen/pipejoin/pkg/util"
)

const (
	customerType = "joinrun.customer"
	orderType    = "joinrun.order"
	resultType   = "joinrun.result"
)

type Customer struct {
	Key  int64
	Name string
}

func (c *Customer) TypeName() string {
	return customerType
}

func (c *Customer) EncodedSize() int {
	return 8 + util.StringBytes(c.Name)
}

func (c *Customer) Encode(ser util.Serialize) error {
	if err := util.Write[int64](c.Key, ser); err != nil {
		return err
	}
	return util.WriteString(c.Name, ser)
}

func decodeCustomer(de util.Deserialize) (chunk.Object, error) {
	c := &Customer{}
	if err := util.Read[int64](&c.Key, de); err != nil {
		return nil, err
	}
	var err error
	c.Name, err = util.ReadString(de)
	return c, err
}

type Order struct {
	OrderKey int64
	CustKey  int64
	Amount   decimal.Decimal
}

func (o *Order) TypeName() string {
	return orderType
}

func (o *Order) EncodedSize() int {
	return 16 + chunk.ValueBytes(chunk.TypeDecimal, o.Amount)
}

func (o *Order) Encode(ser util.Serialize) error {
	if err := util.Write[int64](o.OrderKey, ser); err != nil {
		return err
	}
	if err := util.Write[int64](o.CustKey, ser); err != nil {
		return err
	}
	return chunk.EncodeValue(chunk.TypeDecimal, o.Amount, ser)
}

func decodeOrder(de util.Deserialize) (chunk.Object, error) {
	o := &Order{}
	if err := util.Read[int64](&o.OrderKey, de); err != nil {
		return nil, err
	}
	if err := util.Read[int64](&o.CustKey, de); err != nil {
		return nil, err
	}
	amount, err := chunk.DecodeValue(chunk.TypeDecimal, de)
	if err != nil {
		return nil, err
	}
	o.Amount = amount.(decimal.Decimal)
	return o, nil
}

// Result is one order joined with its customer.
type Result struct {
	OrderKey int64
	Name     string
	Amount   decimal.Decimal
}

func (r *Result) TypeName() string {
	return resultType
}

func (r *Result) EncodedSize() int {
	return 8 + util.StringBytes(r.Name) + chunk.ValueBytes(chunk.TypeDecimal, r.Amount)
}

func (r *Result) Encode(ser util.Serialize) error {
	if err := util.Write[int64](r.OrderKey, ser); err != nil {
		return err
	}
	if err := util.WriteString(r.Name, ser); err != nil {
		return err
	}
	return chunk.EncodeValue(chunk.TypeDecimal, r.Amount, ser)
}

func decodeResult(de util.Deserialize) (chunk.Object, error) {
	r := &Result{}
	if err := util.Read[int64](&r.OrderKey, de); err != nil {
		return nil, err
	}
	var err error
	if r.Name, err = util.ReadString(de); err != nil {
		return nil, err
	}
	amount, err := chunk.DecodeValue(chunk.TypeDecimal, de)
	if err != nil {
		return nil, err
	}
	r.Amount = amount.(decimal.Decimal)
	return r, nil
}

func (r *Result) String() string {
	return fmt.Sprintf("order %d customer %s amount %s", r.OrderKey, r.Name, r.Amount)
}

func init() {
	chunk.RegisterObjectType(customerType, decodeCustomer)
	chunk.RegisterObjectType(orderType, decodeOrder)
	chunk.RegisterObjectType(resultType, decodeResult)
}

func genCustomers(n int) []chunk.Object {
	ret := make([]chunk.Object, n)
	for i := range ret {
		ret[i] = &Customer{Key: int64(i), Name: fmt.Sprintf("Customer#%09d", i)}
	}
	return ret
}

// genOrders draws customer keys from [0, 2*numCustomers), so about half
// of the orders have no customer.
func genOrders(n, numCustomers int, rnd *rand.Rand) []chunk.Object {
	ret := make([]chunk.Object, n)
	for i := range ret {
		ret[i] = &Order{
			OrderKey: int64(i),
			CustKey:  rnd.Int64N(int64(2*max(numCustomers, 1))),
			Amount:   decimal.MustNew(rnd.Int64N(10000000), 2),
		}
	}
	return ret
}
